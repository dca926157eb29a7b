package resign

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// iosPlatform is the platform identifier a bundle's Info.plist must list
// among its supported platforms to count as a native iOS bundle.
const iosPlatform = "iPhoneOS"

const (
	infoPlistName    = "Info.plist"
	entitlementsName = "Entitlements.plist"
	profileName      = "embedded.mobileprovision"
	frameworksDir    = "Frameworks"
)

// Signer is the identity collaborator consumed during signing.
type Signer interface {
	// TeamID returns the team identifier bound to the signing credential.
	TeamID() string
	// CertChain returns the certificate chain embedded into signatures.
	CertChain() []*x509.Certificate
	// SignCMS produces a CMS (PKCS#7) signature over data.
	SignCMS(data []byte) ([]byte, error)
}

// Signable mutates one binary in place by embedding a code signature.
// Failures from malformed or unsupported binaries propagate to the caller.
type Signable interface {
	Sign(signer Signer) error
}

// SignableFactory builds the Signable for one target file inside the bundle.
// main is true for the bundle's main executable.
type SignableFactory func(app *AppBundle, path string, main bool) Signable

// Sealer computes the resource seal for a bundle and returns the path of the
// written seal artifact.
type Sealer func(executablePath, bundleRoot string) (string, error)

// AppBundle is an in-memory handle over an extracted .app directory. Once
// extracted into a workspace the bundle owns its root exclusively and is
// mutated in place by the provisioning, entitlement, and signing steps.
type AppBundle struct {
	Path             string
	Info             map[string]interface{}
	EntitlementsPath string
	ProfilePath      string

	// SealPath is empty until the seal step of Sign completes; once set it
	// is not re-derived.
	SealPath string

	// Collaborators. The zero values select the built-in Mach-O signer and
	// CodeResources sealer.
	NewSignable SignableFactory
	MakeSeal    Sealer

	// onStep, when set, observes each mutation step as it completes.
	onStep func(State)
}

// NewAppBundle constructs a handle over an extracted bundle directory. The
// bundle's Info.plist must exist and be native; anything else fails with
// ErrNotMatched. This re-validates what detection already checked, since
// extraction is a second independent read of the bundle metadata.
func NewAppBundle(path string) (*AppBundle, error) {
	info, err := readInfoPlist(filepath.Join(path, infoPlistName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotMatched, path, err)
	}
	if !isInfoNative(info) {
		return nil, fmt.Errorf("%w: %s is not a native iOS bundle", ErrNotMatched, path)
	}
	return &AppBundle{
		Path:             path,
		Info:             info,
		EntitlementsPath: filepath.Join(path, entitlementsName),
		ProfilePath:      filepath.Join(path, profileName),
	}, nil
}

func readInfoPlist(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return info, nil
}

// isInfoNative reports whether an Info.plist declares iPhoneOS among its
// supported platforms.
func isInfoNative(info map[string]interface{}) bool {
	platforms, ok := info["CFBundleSupportedPlatforms"].([]interface{})
	if !ok {
		return false
	}
	for _, p := range platforms {
		if s, ok := p.(string); ok && s == iosPlatform {
			return true
		}
	}
	return false
}

// BundleID returns the CFBundleIdentifier, or "" when absent.
func (app *AppBundle) BundleID() string {
	id, _ := app.Info["CFBundleIdentifier"].(string)
	return id
}

// ExecutablePath returns the absolute path of the bundle's main executable:
// CFBundleExecutable when present, otherwise the bundle directory's base
// name with its extension stripped. A missing executable file is an error.
func (app *AppBundle) ExecutablePath() (string, error) {
	name, ok := app.Info["CFBundleExecutable"].(string)
	if !ok || name == "" {
		base := filepath.Base(app.Path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	executable := filepath.Join(app.Path, name)
	if _, err := os.Stat(executable); err != nil {
		return "", fmt.Errorf("%w: executable %q not found in %s", ErrNotSignable, name, app.Path)
	}
	return executable, nil
}

// Provision copies the provisioning profile into the bundle byte for byte,
// replacing any existing embedded.mobileprovision. The profile is opaque
// binary data here; nothing interprets it.
func (app *AppBundle) Provision(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	if err := os.WriteFile(app.ProfilePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", profileName, err)
	}
	return nil
}

// CreateEntitlements writes the bundle's Entitlements.plist for the given
// team, replacing any existing file. The schema is fixed and the XML output
// is deterministic: the same team ID always produces byte-identical output.
func (app *AppBundle) CreateEntitlements(teamID string) error {
	entitlements := map[string]interface{}{
		"keychain-access-groups":              []interface{}{teamID + ".*"},
		"com.apple.developer.team-identifier": teamID,
		"application-identifier":              teamID + ".*",
		"get-task-allow":                      true,
	}
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal entitlements: %w", err)
	}
	if err := os.WriteFile(app.EntitlementsPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", entitlementsName, err)
	}
	return nil
}

// Sign signs the bundle in three ordered steps: every *.dylib directly under
// Frameworks/ (non-recursive, an empty set is fine), then the resource seal,
// then the main executable. The order is a correctness requirement: the seal
// must cover the already-resigned dylibs, and the executable's signature
// covers the seal.
func (app *AppBundle) Sign(signer Signer) error {
	newSignable := app.NewSignable
	if newSignable == nil {
		newSignable = NewMachOSignable
	}
	makeSeal := app.MakeSeal
	if makeSeal == nil {
		makeSeal = MakeSeal
	}

	dylibs, err := filepath.Glob(filepath.Join(app.Path, frameworksDir, "*.dylib"))
	if err != nil {
		return err
	}
	for _, dylib := range dylibs {
		if err := newSignable(app, dylib, false).Sign(signer); err != nil {
			return fmt.Errorf("failed to sign %s: %w", dylib, err)
		}
	}
	app.step(StateDylibsSigned)

	executable, err := app.ExecutablePath()
	if err != nil {
		return err
	}
	sealPath, err := makeSeal(executable, app.Path)
	if err != nil {
		return fmt.Errorf("failed to seal bundle resources: %w", err)
	}
	app.SealPath = sealPath
	app.step(StateSealGenerated)

	if err := newSignable(app, executable, true).Sign(signer); err != nil {
		return fmt.Errorf("failed to sign %s: %w", executable, err)
	}
	app.step(StateExecutableSigned)
	return nil
}

// Resign provisions the bundle, writes entitlements for the signer's team,
// and signs it. The bundle directory is mutated in place; re-archiving is
// the caller's job.
func (app *AppBundle) Resign(signer Signer, provisioningProfile string) error {
	if err := app.Provision(provisioningProfile); err != nil {
		return err
	}
	app.step(StateProvisioned)
	if err := app.CreateEntitlements(signer.TeamID()); err != nil {
		return err
	}
	app.step(StateEntitlementsWritten)
	if err := app.Sign(signer); err != nil {
		return err
	}
	log.Debug("Resigned app bundle at {Path}", app.Path)
	return nil
}

func (app *AppBundle) step(s State) {
	if app.onStep != nil {
		app.onStep(s)
	}
}
