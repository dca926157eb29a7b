package resign

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"howett.net/plist"
)

// Format is one bundle packaging variant. A variant can recognize an input,
// extract it into a workspace, and reassemble the signed workspace into the
// original container format.
type Format interface {
	// Name returns the variant name used in logs and diagnostics.
	Name() string

	// Detect reports whether the input matches this variant. A non-match is
	// an ErrNotMatched; trying the next variant after one is expected
	// control flow, not an error.
	Detect(inputPath string) (*Detection, error)

	// ExtractToWorkspace extracts the detected input into a freshly created
	// workspace and returns the workspace root together with a handle over
	// the app bundle inside it.
	ExtractToWorkspace(det *Detection) (workspace string, app *AppBundle, err error)

	// Archive reassembles the signed workspace into this variant's container
	// format at outputPath.
	Archive(workspace, outputPath string) error
}

// Detection is the immutable result of format detection for one input.
type Detection struct {
	Format    Format
	InputPath string

	// RelativeAppDir is the single app-directory entry inside the
	// container; it is set only for the zip-based variants.
	RelativeAppDir string
}

// DetectFormat tries the format variants in fixed priority order against the
// input and returns the first match. A directory is only ever tried as a
// plain app directory; a file is tried as a generic app zip, then as an ipa.
// A missing helper tool aborts with its own diagnostic instead of cascading
// into a NotMatched.
func DetectFormat(inputPath string, tools *HelperToolRegistry) (*Detection, error) {
	fi, err := os.Stat(inputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotSignable, inputPath, err)
	}

	var variants []Format
	if fi.IsDir() {
		variants = []Format{NewAppDirFormat()}
	} else {
		variants = []Format{NewAppZipFormat(tools), NewIpaFormat(tools)}
	}

	for _, f := range variants {
		det, err := f.Detect(inputPath)
		if err == nil {
			log.Info("Input {Input} matched as {Variant}", inputPath, f.Name())
			return det, nil
		}
		if !errors.Is(err, ErrNotMatched) {
			return nil, err
		}
		log.Debug("Input {Input} not matched as {Variant}: {Reason}", inputPath, f.Name(), err.Error())
	}
	return nil, fmt.Errorf("%w: %s", ErrNotMatched, inputPath)
}

// makeWorkspace allocates the uniquely named temporary directory one
// pipeline invocation owns exclusively.
func makeWorkspace() (string, error) {
	dir, err := os.MkdirTemp("", "resign-")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// appDirFormat handles an already-extracted .app directory.
type appDirFormat struct{}

// NewAppDirFormat returns the plain app-directory variant. It needs no
// helper tools and matches on bundle metadata alone.
func NewAppDirFormat() Format { return appDirFormat{} }

func (appDirFormat) Name() string { return "app directory" }

func (f appDirFormat) Detect(inputPath string) (*Detection, error) {
	info, err := readInfoPlist(filepath.Join(inputPath, infoPlistName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotMatched, inputPath, err)
	}
	if !isInfoNative(info) {
		return nil, fmt.Errorf("%w: %s is not a native iOS bundle", ErrNotMatched, inputPath)
	}
	return &Detection{Format: f, InputPath: inputPath}, nil
}

func (f appDirFormat) ExtractToWorkspace(det *Detection) (string, *AppBundle, error) {
	workspace, err := makeWorkspace()
	if err != nil {
		return "", nil, err
	}
	// copyTree insists the destination not pre-exist; the unique name from
	// makeWorkspace guarantees that once the fresh empty dir is removed.
	if err := os.Remove(workspace); err != nil {
		return "", nil, err
	}
	if err := copyTree(det.InputPath, workspace); err != nil {
		os.RemoveAll(workspace)
		return "", nil, fmt.Errorf("failed to copy %s: %w", det.InputPath, err)
	}
	app, err := NewAppBundle(workspace)
	if err != nil {
		os.RemoveAll(workspace)
		return "", nil, err
	}
	return workspace, app, nil
}

// Archive moves the signed workspace to outputPath, replacing whatever was
// there. A move rather than a copy; the pipeline has already rejected
// outputs that coincide with the input path.
func (appDirFormat) Archive(workspace, outputPath string) error {
	if err := os.RemoveAll(outputPath); err != nil {
		return fmt.Errorf("failed to remove existing output: %w", err)
	}
	if err := movePath(workspace, outputPath); err != nil {
		return fmt.Errorf("failed to move signed bundle to %s: %w", outputPath, err)
	}
	return nil
}

// zipFormat covers the zip-based packaging variants. The two instances
// differ only in their descriptor: the accepted extensions and the pattern
// the single app-directory entry inside the archive must match.
type zipFormat struct {
	name          string
	extensions    []string
	appDirPattern *regexp.Regexp
	requiredTools []ToolID
	tools         *HelperToolRegistry
}

// NewAppZipFormat returns the generic zip variant: a .zip holding one
// top-level Foo.app/ directory entry.
func NewAppZipFormat(tools *HelperToolRegistry) Format {
	return &zipFormat{
		name:          "app zip",
		extensions:    []string{".zip"},
		appDirPattern: regexp.MustCompile(`^[^/]+\.app/$`),
		requiredTools: []ToolID{ToolZip, ToolUnzip},
		tools:         tools,
	}
}

// NewIpaFormat returns Apple's distribution-archive variant: a .ipa holding
// one Payload/Foo.app/ directory entry.
func NewIpaFormat(tools *HelperToolRegistry) Format {
	return &zipFormat{
		name:          "ipa",
		extensions:    []string{".ipa"},
		appDirPattern: regexp.MustCompile(`^Payload/[^/]+\.app/$`),
		requiredTools: []ToolID{ToolZip, ToolUnzip},
		tools:         tools,
	}
}

func (f *zipFormat) Name() string { return f.name }

func (f *zipFormat) extensionMatches(path string) bool {
	for _, ext := range f.extensions {
		if strings.HasSuffix(strings.ToLower(path), ext) {
			return true
		}
	}
	return false
}

// Detect examines the archive's entry list without extracting anything. The
// input matches iff the helper tools are available, the extension is
// accepted, the file is a valid zip, exactly one entry matches the
// app-directory pattern, and the Info.plist inside that entry is native.
func (f *zipFormat) Detect(inputPath string) (*Detection, error) {
	if err := f.tools.Require(f.requiredTools...); err != nil {
		return nil, err
	}
	if !f.extensionMatches(inputPath) {
		return nil, fmt.Errorf("%w: %s does not have a %s extension", ErrNotMatched, inputPath, f.name)
	}

	r, err := zip.OpenReader(inputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a zip archive: %v", ErrNotMatched, inputPath, err)
	}
	defer r.Close()

	var appDirs []string
	for _, entry := range r.File {
		if f.appDirPattern.MatchString(entry.Name) {
			appDirs = append(appDirs, entry.Name)
		}
	}
	if len(appDirs) != 1 {
		return nil, fmt.Errorf("%w: %s contains %d matching app directories, want exactly 1",
			ErrNotMatched, inputPath, len(appDirs))
	}
	relativeAppDir := appDirs[0]

	info, err := readZipPlist(&r.Reader, relativeAppDir+infoPlistName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotMatched, inputPath, err)
	}
	if !isInfoNative(info) {
		return nil, fmt.Errorf("%w: %s in %s is not a native iOS bundle",
			ErrNotMatched, relativeAppDir, inputPath)
	}

	return &Detection{Format: f, InputPath: inputPath, RelativeAppDir: relativeAppDir}, nil
}

func (f *zipFormat) ExtractToWorkspace(det *Detection) (string, *AppBundle, error) {
	workspace, err := makeWorkspace()
	if err != nil {
		return "", nil, err
	}
	if err := f.tools.Run(ToolUnzip, "", "-qu", det.InputPath, "-d", workspace); err != nil {
		os.RemoveAll(workspace)
		return "", nil, fmt.Errorf("failed to extract %s: %w", det.InputPath, err)
	}
	app, err := NewAppBundle(filepath.Join(workspace, filepath.FromSlash(det.RelativeAppDir)))
	if err != nil {
		os.RemoveAll(workspace)
		return "", nil, err
	}
	return workspace, app, nil
}

// Archive packs the workspace contents back into a zip at outputPath,
// preserving the internal layout captured at detection time by running the
// pack tool with the workspace as its working directory. Packing goes to a
// uniquely named *.zip staging file first: the zip tool forcibly appends
// ".zip" to extension-less archive names, so packing straight to the final
// name could leave the output misnamed.
func (f *zipFormat) Archive(workspace, outputPath string) error {
	staging, err := os.CreateTemp("", "resign-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create archive staging file: %w", err)
	}
	stagingPath := staging.Name()
	staging.Close()
	// CreateTemp was only for the unique name; zip refuses to treat an
	// existing empty file as a fresh archive.
	if err := os.Remove(stagingPath); err != nil {
		return err
	}

	if err := f.tools.Run(ToolZip, workspace, "-qr", stagingPath, "."); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("failed to pack %s: %w", workspace, err)
	}
	if err := movePath(stagingPath, outputPath); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("failed to move archive to %s: %w", outputPath, err)
	}
	return nil
}

// readZipPlist reads and parses a plist from inside an open zip archive.
func readZipPlist(r *zip.Reader, name string) (map[string]interface{}, error) {
	f, err := r.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return info, nil
}

// copyTree recursively copies a directory tree. The destination must not
// exist yet; callers guarantee that via unique-name generation rather than
// by deleting a live directory.
func copyTree(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("destination %s already exists", dst)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		dstPath := filepath.Join(dst, relPath)
		switch {
		case info.IsDir():
			return os.MkdirAll(dstPath, info.Mode())
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(target, dstPath)
		default:
			return copyFile(path, dstPath, info.Mode())
		}
	})
}

// copyFile copies a single file with the given mode using streaming I/O.
func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}

// movePath renames src to dst, falling back to a copy when the rename
// crosses filesystems (the workspace lives in the system temp dir, which
// may be a different mount than the output).
func movePath(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		if err := copyTree(src, dst); err != nil {
			return err
		}
	} else if err := copyFile(src, dst, fi.Mode()); err != nil {
		return err
	}
	return os.RemoveAll(src)
}
