package resign

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResign_AppDirectory(t *testing.T) {
	dir := t.TempDir()
	appPath := makeTestBundle(t, dir, "Demo")
	profilePath := writeTestProfile(t, dir)
	outputPath := filepath.Join(dir, "Demo-resigned.app")
	rec := &recorder{}

	err := Resign(Options{
		InputPath:               appPath,
		OutputPath:              outputPath,
		ProvisioningProfilePath: profilePath,
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   fakeToolRegistry(),
		NewSignable:             rec.factory(),
		MakeSeal:                rec.sealer(),
	})
	if err != nil {
		t.Fatalf("Resign failed: %v", err)
	}

	// Output carries the full mutated bundle.
	for _, name := range []string{infoPlistName, entitlementsName, profileName, "Demo"} {
		if _, err := os.Stat(filepath.Join(outputPath, name)); err != nil {
			t.Errorf("Output missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outputPath, sealDirName, sealFileName)); err != nil {
		t.Errorf("Output missing resource seal: %v", err)
	}

	// The input bundle is untouched.
	if _, err := os.Stat(filepath.Join(appPath, entitlementsName)); err == nil {
		t.Error("Input bundle gained entitlements; it must stay unmodified")
	}
}

func TestResign_TracksStates(t *testing.T) {
	dir := t.TempDir()
	appPath := makeTestBundle(t, dir, "Demo")
	profilePath := writeTestProfile(t, dir)
	rec := &recorder{}

	err := Resign(Options{
		InputPath:               appPath,
		OutputPath:              filepath.Join(dir, "out.app"),
		ProvisioningProfilePath: profilePath,
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   fakeToolRegistry(),
		NewSignable:             rec.factory(),
		MakeSeal:                rec.sealer(),
	})
	if err != nil {
		t.Fatalf("Resign failed: %v", err)
	}
	// The recorder saw the bundle mutation steps in pipeline order.
	if len(rec.steps) != 2 || rec.steps[0] != "seal" || rec.steps[1] != "main:Demo" {
		t.Errorf("Unexpected step order: %v", rec.steps)
	}
}

func TestResign_SamePathRejected(t *testing.T) {
	dir := t.TempDir()
	appPath := makeTestBundle(t, dir, "Demo")
	profilePath := writeTestProfile(t, dir)

	err := Resign(Options{
		InputPath:               appPath,
		OutputPath:              appPath,
		ProvisioningProfilePath: profilePath,
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   fakeToolRegistry(),
	})
	if !errors.Is(err, ErrNotSignable) {
		t.Errorf("Expected ErrNotSignable for in-place output, got %v", err)
	}
	// The input must survive a rejected invocation untouched.
	if _, statErr := os.Stat(filepath.Join(appPath, infoPlistName)); statErr != nil {
		t.Error("Input bundle damaged by rejected invocation")
	}
}

func TestResign_EmptyOutputRejected(t *testing.T) {
	dir := t.TempDir()
	appPath := makeTestBundle(t, dir, "Demo")

	err := Resign(Options{
		InputPath:               appPath,
		OutputPath:              "",
		ProvisioningProfilePath: writeTestProfile(t, dir),
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   fakeToolRegistry(),
	})
	if !errors.Is(err, ErrNotSignable) {
		t.Errorf("Expected ErrNotSignable for empty output, got %v", err)
	}
}

func TestResign_UnmatchedInput(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "document.txt")
	if err := os.WriteFile(inputPath, []byte("plain text"), 0644); err != nil {
		t.Fatal(err)
	}

	err := Resign(Options{
		InputPath:               inputPath,
		OutputPath:              filepath.Join(dir, "out.txt"),
		ProvisioningProfilePath: writeTestProfile(t, dir),
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   fakeToolRegistry(),
	})
	if !errors.Is(err, ErrNotMatched) {
		t.Errorf("Expected ErrNotMatched, got %v", err)
	}
}

func TestResign_FailureWritesNoOutput(t *testing.T) {
	dir := t.TempDir()
	appPath := makeTestBundle(t, dir, "Demo")
	outputPath := filepath.Join(dir, "out.app")

	// Missing provisioning profile fails the pipeline after extraction.
	err := Resign(Options{
		InputPath:               appPath,
		OutputPath:              outputPath,
		ProvisioningProfilePath: filepath.Join(dir, "missing.mobileprovision"),
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   fakeToolRegistry(),
	})
	if err == nil {
		t.Fatal("Expected failure with missing profile")
	}
	if _, statErr := os.Stat(outputPath); statErr == nil {
		t.Error("Failed invocation must not write the output path")
	}
}

func TestResign_ReleasesWorkspace(t *testing.T) {
	dir := t.TempDir()
	appPath := makeTestBundle(t, dir, "Demo")
	profilePath := writeTestProfile(t, dir)
	rec := &recorder{}

	// Pin temp-dir creation so leftover workspaces are observable.
	tmpRoot := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmpRoot, 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TMPDIR", tmpRoot)

	err := Resign(Options{
		InputPath:               appPath,
		OutputPath:              filepath.Join(dir, "out.app"),
		ProvisioningProfilePath: profilePath,
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   fakeToolRegistry(),
		NewSignable:             rec.factory(),
		MakeSeal:                rec.sealer(),
	})
	if err != nil {
		t.Fatalf("Resign failed: %v", err)
	}

	// A failing invocation must release its workspace too.
	_ = Resign(Options{
		InputPath:               appPath,
		OutputPath:              filepath.Join(dir, "out2.app"),
		ProvisioningProfilePath: filepath.Join(dir, "missing.mobileprovision"),
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   fakeToolRegistry(),
	})

	entries, err := os.ReadDir(tmpRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Workspaces left behind: %v", entries)
	}
}

func TestResign_Ipa_EndToEnd(t *testing.T) {
	tools := requireZipTools(t)
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "Demo.ipa")
	writeTestArchive(t, inputPath, []string{"Payload/Demo.app/"}, true)
	profilePath := writeTestProfile(t, dir)
	outputPath := filepath.Join(dir, "Demo-resigned.ipa")
	rec := &recorder{}

	err := Resign(Options{
		InputPath:               inputPath,
		OutputPath:              outputPath,
		ProvisioningProfilePath: profilePath,
		Signer:                  &stubSigner{team: "ABCDE12345"},
		Tools:                   tools,
		NewSignable:             rec.factory(),
		MakeSeal:                rec.sealer(),
	})
	if err != nil {
		t.Fatalf("Resign failed: %v", err)
	}

	r, err := zip.OpenReader(outputPath)
	if err != nil {
		t.Fatalf("Output is not a zip: %v", err)
	}
	defer r.Close()
	entries := make(map[string]bool)
	for _, entry := range r.File {
		entries[entry.Name] = true
	}
	for _, name := range []string{
		"Payload/Demo.app/Info.plist",
		"Payload/Demo.app/Entitlements.plist",
		"Payload/Demo.app/embedded.mobileprovision",
		"Payload/Demo.app/_CodeSignature/CodeResources",
	} {
		if !entries[name] {
			t.Errorf("Output archive missing %s", name)
		}
	}
}

func TestSignerFromOptions_PEM(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := makeTestIdentityFiles(t, dir, []string{"ABCDE12345"})

	signer, err := signerFromOptions(Options{
		CertificatePath: certPath,
		KeyPath:         keyPath,
	})
	if err != nil {
		t.Fatalf("signerFromOptions failed: %v", err)
	}
	if signer.TeamID() != "ABCDE12345" {
		t.Errorf("TeamID = %q", signer.TeamID())
	}
}

func TestCheckDistinctOutput_RelativeAliases(t *testing.T) {
	dir := t.TempDir()
	appPath := makeTestBundle(t, dir, "Demo")

	// Differently spelled paths for the same location still collide.
	alias := filepath.Join(dir, ".", "Demo.app")
	if err := checkDistinctOutput(appPath, alias); !errors.Is(err, ErrNotSignable) {
		t.Errorf("Aliased same-path output should be rejected, got %v", err)
	}
	if err := checkDistinctOutput(appPath, filepath.Join(dir, "Other.app")); err != nil {
		t.Errorf("Distinct output rejected: %v", err)
	}
}
