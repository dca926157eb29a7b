package resign

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

const sealDirName = "_CodeSignature"
const sealFileName = "CodeResources"

// MakeSeal is the default Sealer. It walks the bundle, hashes every file
// except the main executable and the seal itself, and writes the result to
// _CodeSignature/CodeResources. The legacy files section uses SHA1; files2
// carries both SHA1 and SHA256. Localized .lproj content is marked optional,
// and .DS_Store, AppleDouble, and locversion.plist files are omitted.
func MakeSeal(executablePath, bundleRoot string) (string, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})

	execRel, err := filepath.Rel(bundleRoot, executablePath)
	if err != nil {
		return "", err
	}
	sealRel := filepath.Join(sealDirName, sealFileName)

	err = filepath.Walk(bundleRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(bundleRoot, path)
		if err != nil {
			return err
		}
		if relPath == sealRel || relPath == execRel {
			return nil
		}
		relSlash := filepath.ToSlash(relPath)
		if sealOmits(relSlash) {
			return nil
		}

		hash, err := hashFileSHA1(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}
		optional := sealOptional(relSlash)
		if optional {
			files[relSlash] = map[string]interface{}{"hash": hash, "optional": true}
		} else {
			files[relSlash] = hash
		}

		// Info.plist and PkgInfo are sealed in files but not files2, per the
		// omit rules in rules2.
		if relSlash == infoPlistName || relSlash == "PkgInfo" {
			return nil
		}
		hash2, err := hashFileSHA256(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", relPath, err)
		}
		entry := map[string]interface{}{"hash": hash, "hash2": hash2}
		if optional {
			entry["optional"] = true
		}
		files2[relSlash] = entry
		return nil
	})
	if err != nil {
		return "", err
	}

	seal := map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  sealRules(),
		"rules2": sealRules2(),
	}
	data, err := plist.MarshalIndent(seal, plist.XMLFormat, "\t")
	if err != nil {
		return "", fmt.Errorf("failed to marshal seal: %w", err)
	}

	sealDir := filepath.Join(bundleRoot, sealDirName)
	if err := os.MkdirAll(sealDir, 0755); err != nil {
		return "", err
	}
	sealPath := filepath.Join(sealDir, sealFileName)
	if err := os.WriteFile(sealPath, data, 0644); err != nil {
		return "", err
	}
	return sealPath, nil
}

func sealOmits(relSlash string) bool {
	if strings.HasSuffix(relSlash, ".DS_Store") {
		return true
	}
	if strings.HasPrefix(filepath.Base(relSlash), "._") {
		return true
	}
	if strings.HasSuffix(relSlash, ".lproj/locversion.plist") {
		return true
	}
	return false
}

func sealOptional(relSlash string) bool {
	return strings.Contains(relSlash, ".lproj/")
}

func hashFileSHA1(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func hashFileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func sealRules() map[string]interface{} {
	// Float weights marshal as <real>, matching Apple's output.
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func sealRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}
