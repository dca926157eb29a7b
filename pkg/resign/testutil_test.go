package resign

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"
)

// makeTestBundle creates a minimal native app bundle under dir and returns
// its path. The executable is a plain file; signing tests substitute a stub
// Signable factory so its content never matters.
func makeTestBundle(t *testing.T, dir, name string) string {
	t.Helper()
	appPath := filepath.Join(dir, name+".app")
	if err := os.MkdirAll(appPath, 0755); err != nil {
		t.Fatalf("Failed to create bundle dir: %v", err)
	}
	writeTestInfoPlist(t, appPath, map[string]interface{}{
		"CFBundleIdentifier":         "com.example." + name,
		"CFBundleExecutable":         name,
		"CFBundleSupportedPlatforms": []interface{}{"iPhoneOS"},
	})
	if err := os.WriteFile(filepath.Join(appPath, name), []byte("executable"), 0755); err != nil {
		t.Fatalf("Failed to write executable: %v", err)
	}
	return appPath
}

func writeTestInfoPlist(t *testing.T, appPath string, info map[string]interface{}) {
	t.Helper()
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("Failed to marshal Info.plist: %v", err)
	}
	if err := os.WriteFile(filepath.Join(appPath, infoPlistName), data, 0644); err != nil {
		t.Fatalf("Failed to write Info.plist: %v", err)
	}
}

// writeTestProfile writes a fake provisioning profile file and returns its
// path. Provisioning copies the file verbatim, so arbitrary bytes work.
func writeTestProfile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "test.mobileprovision")
	if err := os.WriteFile(path, []byte("fake provisioning profile"), 0644); err != nil {
		t.Fatalf("Failed to write profile: %v", err)
	}
	return path
}

// stubSigner satisfies Signer without any real credentials.
type stubSigner struct {
	team string
}

func (s *stubSigner) TeamID() string { return s.team }

func (s *stubSigner) CertChain() []*x509.Certificate { return nil }

func (s *stubSigner) SignCMS(data []byte) ([]byte, error) {
	return []byte("stub-signature"), nil
}

// recorder captures the order of signing and sealing steps.
type recorder struct {
	steps []string
}

type recordedSignable struct {
	rec  *recorder
	path string
	main bool
}

func (s *recordedSignable) Sign(signer Signer) error {
	label := "dylib:" + filepath.Base(s.path)
	if s.main {
		label = "main:" + filepath.Base(s.path)
	}
	s.rec.steps = append(s.rec.steps, label)
	return nil
}

func (r *recorder) factory() SignableFactory {
	return func(app *AppBundle, path string, main bool) Signable {
		return &recordedSignable{rec: r, path: path, main: main}
	}
}

func (r *recorder) sealer() Sealer {
	return func(executablePath, bundleRoot string) (string, error) {
		r.steps = append(r.steps, "seal")
		sealPath := filepath.Join(bundleRoot, sealDirName, sealFileName)
		if err := os.MkdirAll(filepath.Dir(sealPath), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(sealPath, []byte("stub-seal"), 0644); err != nil {
			return "", err
		}
		return sealPath, nil
	}
}

// fakeToolRegistry builds a registry whose tools appear present without
// touching PATH, for detection-only tests.
func fakeToolRegistry() *HelperToolRegistry {
	return &HelperToolRegistry{
		paths: map[ToolID]string{
			ToolZip:   "/bin/true",
			ToolUnzip: "/bin/true",
		},
		Timeout: DefaultToolTimeout,
	}
}

// requireZipTools skips the test when the real zip/unzip tools are absent.
func requireZipTools(t *testing.T) *HelperToolRegistry {
	t.Helper()
	tools := NewHelperToolRegistry()
	if err := tools.Require(ToolZip, ToolUnzip); err != nil {
		t.Skipf("Skipping: %v", err)
	}
	return tools
}
