package resign

import (
	"fmt"
	"os"
	"path/filepath"
)

// State names one step of a resign invocation. Transitions are logged in
// order; any state can move to StateFailed, and StateReleased is reached on
// every exit path. Only Unresolved and Detected are reachable without any
// filesystem mutation beyond temporary-directory creation.
type State string

const (
	StateUnresolved          State = "Unresolved"
	StateDetected            State = "Detected"
	StateExtracted           State = "Extracted"
	StateProvisioned         State = "Provisioned"
	StateEntitlementsWritten State = "EntitlementsWritten"
	StateDylibsSigned        State = "DylibsSigned"
	StateSealGenerated       State = "SealGenerated"
	StateExecutableSigned    State = "ExecutableSigned"
	StateArchived            State = "Archived"
	StateReleased            State = "Released"
	StateFailed              State = "Failed"
)

// Options configures one resign invocation.
type Options struct {
	// InputPath is the bundle to resign: a .app directory, a .zip, or a
	// .ipa. OutputPath receives the resigned bundle in the input's own
	// container format and must not coincide with the input path.
	InputPath  string
	OutputPath string

	// PEM credential inputs: the signing certificate, its private key, and
	// the trusted root certificate.
	CertificatePath string
	KeyPath         string
	RootCertPath    string

	// P12 credential input, an alternative to the PEM paths.
	P12Path     string
	P12Password string

	// ProvisioningProfilePath is copied into the bundle verbatim.
	ProvisioningProfilePath string

	// Signer overrides the credential inputs entirely when set.
	Signer Signer

	// Tools overrides the default helper tool registry.
	Tools *HelperToolRegistry

	// Collaborator overrides; zero values select the built-in Mach-O signer
	// and CodeResources sealer.
	NewSignable SignableFactory
	MakeSeal    Sealer
}

// Resign runs the full pipeline: construct the signer, detect the input
// format, extract to a workspace, resign the bundle in place, re-archive to
// the output path, and release the workspace. The workspace is released on
// every exit path; the output path is never written on failure. Each
// invocation is strictly sequential, but independent invocations may run
// concurrently as long as they target distinct output paths.
func Resign(opts Options) (err error) {
	state := StateUnresolved
	advance := func(next State) {
		state = next
		log.Debug("Resign state {State} for {Input}", string(next), opts.InputPath)
	}
	defer func() {
		if err != nil {
			log.Error("Not signable {Input} (state {State}): {Cause}",
				opts.InputPath, string(state), err.Error())
			state = StateFailed
		}
	}()

	signer := opts.Signer
	if signer == nil {
		if signer, err = signerFromOptions(opts); err != nil {
			return err
		}
	}

	if err = checkDistinctOutput(opts.InputPath, opts.OutputPath); err != nil {
		return err
	}

	tools := opts.Tools
	if tools == nil {
		tools = NewHelperToolRegistry()
	}

	det, err := DetectFormat(opts.InputPath, tools)
	if err != nil {
		return err
	}
	advance(StateDetected)

	workspace, app, err := det.Format.ExtractToWorkspace(det)
	if err != nil {
		return err
	}
	// Release runs before the failure log above (deferred LIFO), so a
	// workspace is never left behind, success or failure. On failure the
	// state variable keeps the step that failed for the final log line.
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil && err == nil {
			err = fmt.Errorf("failed to release workspace: %w", rmErr)
			return
		}
		if err == nil {
			advance(StateReleased)
		} else {
			log.Debug("Resign state {State} for {Input}", string(StateReleased), opts.InputPath)
		}
	}()
	advance(StateExtracted)

	app.NewSignable = opts.NewSignable
	app.MakeSeal = opts.MakeSeal
	app.onStep = advance

	if err = app.Resign(signer, opts.ProvisioningProfilePath); err != nil {
		return err
	}

	if err = det.Format.Archive(workspace, opts.OutputPath); err != nil {
		return err
	}
	advance(StateArchived)

	log.Info("Resigned {Input} to {Output}", opts.InputPath, opts.OutputPath)
	return nil
}

func signerFromOptions(opts Options) (Signer, error) {
	if opts.P12Path != "" {
		data, err := os.ReadFile(opts.P12Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read P12 file: %w", err)
		}
		return NewIdentityFromP12(data, opts.P12Password)
	}
	return NewIdentityFromFiles(opts.CertificatePath, opts.KeyPath, opts.RootCertPath)
}

// checkDistinctOutput rejects output paths that coincide with the input. The
// directory variant removes the output before moving the signed tree into
// place, which would destroy the input before the result exists.
func checkDistinctOutput(inputPath, outputPath string) error {
	if outputPath == "" {
		return fmt.Errorf("%w: output path is required", ErrNotSignable)
	}
	absIn, err := filepath.Abs(inputPath)
	if err != nil {
		return err
	}
	absOut, err := filepath.Abs(outputPath)
	if err != nil {
		return err
	}
	if absIn == absOut {
		return fmt.Errorf("%w: output %s is the input itself; in-place resigning is not supported",
			ErrNotSignable, outputPath)
	}
	return nil
}
