package resign

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
)

// machoSignable signs one thin Mach-O binary in place. The main executable
// carries entitlements and the bundle identifier; dylibs are identified by
// their base name and carry none.
type machoSignable struct {
	app  *AppBundle
	path string
	main bool
}

// NewMachOSignable is the default SignableFactory.
func NewMachOSignable(app *AppBundle, path string, main bool) Signable {
	return &machoSignable{app: app, path: path, main: main}
}

func (s *machoSignable) Sign(signer Signer) error {
	identifier := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	var entitlementsXML, entitlementsDER []byte
	if s.main {
		if id := s.app.BundleID(); id != "" {
			identifier = id
		}
		var err error
		entitlementsXML, err = os.ReadFile(s.app.EntitlementsPath)
		if err != nil {
			return fmt.Errorf("failed to read entitlements: %w", err)
		}
		entMap, err := parseEntitlementsXML(entitlementsXML)
		if err != nil {
			return fmt.Errorf("failed to parse entitlements: %w", err)
		}
		if entitlementsDER, err = entitlementsToDER(entMap); err != nil {
			return fmt.Errorf("failed to encode entitlements: %w", err)
		}
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read binary: %w", err)
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		if _, fatErr := macho.NewFatFile(bytes.NewReader(data)); fatErr == nil {
			return fmt.Errorf("%s: fat binaries are not supported", s.path)
		}
		return fmt.Errorf("%s: not a Mach-O binary: %w", s.path, err)
	}
	defer m.Close()

	signed, err := signThinBinary(data, m, signer, identifier, entitlementsXML, entitlementsDER)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, signed, 0755)
}

// signThinBinary embeds a fresh code signature into a thin Mach-O image.
// The binary must already carry an LC_CODE_SIGNATURE load command; its
// dataoff/datasize fields and the __LINKEDIT segment bounds are rewritten in
// place before hashing, then the signature blob is appended at the old
// signature's offset.
func signThinBinary(data []byte, m *macho.File, signer Signer, identifier string, entitlementsXML, entitlementsDER []byte) ([]byte, error) {
	is64Bit := m.Magic == types.Magic64
	headerSize := uint32(32)
	if m.Magic == types.Magic32 {
		headerSize = 28
	}

	var textOffset, textSize uint64
	var linkeditCmdOffset uint32
	var linkeditFileoff uint64
	var csCmdOffset uint32
	codeSize := uint64(len(data))
	hasSignature := false

	cmdOffset := headerSize
	for _, load := range m.Loads {
		switch cmd := load.(type) {
		case *macho.Segment:
			if cmd.Name == "__TEXT" {
				textOffset = cmd.Offset
				textSize = cmd.Filesz
			} else if cmd.Name == "__LINKEDIT" {
				linkeditCmdOffset = cmdOffset
				linkeditFileoff = cmd.Offset
			}
		case *macho.CodeSignature:
			codeSize = uint64(cmd.Offset)
			csCmdOffset = cmdOffset
			hasSignature = true
		}
		cmdOffset += load.LoadSize()
	}
	if !hasSignature {
		return nil, fmt.Errorf("no LC_CODE_SIGNATURE load command; unsigned binaries are not supported")
	}

	flags := ctypes.NONE
	if len(signer.CertChain()) == 0 {
		flags = ctypes.ADHOC
	}

	config := &codesign.Config{
		ID:              identifier,
		TeamID:          signer.TeamID(),
		IsMain:          true,
		Flags:           flags,
		CodeSize:        codeSize,
		TextOffset:      textOffset,
		TextSize:        textSize,
		Entitlements:    entitlementsXML,
		EntitlementsDER: entitlementsDER,
		CertChain:       signer.CertChain(),
		SignerFunction:  signer.SignCMS,
	}
	config.InitSlotHashes()
	if len(entitlementsXML) > 0 {
		config.SpecialSlots = make([]ctypes.SpecialSlot, 7)
	}

	// The page hashes cover the load commands, so LC_CODE_SIGNATURE and
	// __LINKEDIT must describe the final layout before hashing. The signature
	// size is an estimate rounded up to 16KB, padded to match afterwards.
	sigSize := codesign.EstimateCodeSignatureSize(config)
	sigSize = ((sigSize + 0x3fff) / 0x4000) * 0x4000

	code := make([]byte, codeSize)
	copy(code, data[:codeSize])
	binary.LittleEndian.PutUint32(code[csCmdOffset+8:], uint32(codeSize))
	binary.LittleEndian.PutUint32(code[csCmdOffset+12:], uint32(sigSize))

	if linkeditCmdOffset > 0 {
		newFilesize := codeSize + sigSize - linkeditFileoff
		newVmsize := ((newFilesize + 0xfff) / 0x1000) * 0x1000
		if is64Bit {
			binary.LittleEndian.PutUint64(code[linkeditCmdOffset+24:], newVmsize)
			binary.LittleEndian.PutUint64(code[linkeditCmdOffset+40:], newFilesize)
		} else {
			binary.LittleEndian.PutUint32(code[linkeditCmdOffset+28:], uint32(newVmsize))
			binary.LittleEndian.PutUint32(code[linkeditCmdOffset+36:], uint32(newFilesize))
		}
	}

	signature, err := codesign.Sign(bytes.NewReader(code), config)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if uint64(len(signature)) < sigSize {
		padded := make([]byte, sigSize)
		copy(padded, signature)
		signature = padded
	}
	// SuperBlob length field covers the padding.
	if len(signature) >= 8 {
		binary.BigEndian.PutUint32(signature[4:8], uint32(len(signature)))
	}

	result := make([]byte, codeSize+uint64(len(signature)))
	copy(result, code)
	copy(result[codeSize:], signature)
	return result, nil
}
