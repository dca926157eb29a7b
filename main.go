package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/docopt/docopt-go"

	"github.com/go-resign/go-resign/pkg/resign"
)

const version = "1.0.0"

const usage = `go-resign - iOS App Resigning Tool

A command-line tool for resigning iOS app bundles (.app directories, zipped
apps, and .ipa archives) with a new certificate and provisioning profile.

Usage:
  go-resign resign --input=<path> --output=<path> [--profile=<path>] [--cert=<path>] [--key=<path>] [--root-cert=<path>] [--p12=<path>] [--password=<password>] [--verbose]
  go-resign detect --input=<path>
  go-resign info --input=<path>
  go-resign info --profile=<path>
  go-resign -h | --help
  go-resign --version

Commands:
  resign    Resign an app bundle and write it to the output path
  detect    Report the container format of an input path
  info      Display information about an app bundle or provisioning profile

Options:
  --input=<path>        Path to the input .app directory, .zip, or .ipa file
  --output=<path>       Path for the resigned output, in the input's own format
  --profile=<path>      Path to the provisioning profile (or RESIGN_PROFILE env var)
  --cert=<path>         Path to the signing certificate, PEM or DER (or RESIGN_CERT env var)
  --key=<path>          Path to the signing key, PEM (or RESIGN_KEY env var)
  --root-cert=<path>    Path to the trusted root certificate (or RESIGN_ROOT_CERT env var)
  --p12=<path>          Path to a P12 bundle, alternative to --cert/--key (or RESIGN_P12 env var)
  --password=<password> Password for the P12 bundle (or RESIGN_P12_PASSWORD env var)
  --verbose             Enable debug logging
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  RESIGN_CERT           Path to signing certificate (overridden by --cert)
  RESIGN_KEY            Path to signing key (overridden by --key)
  RESIGN_ROOT_CERT      Path to root certificate (overridden by --root-cert)
  RESIGN_PROFILE        Path to provisioning profile (overridden by --profile)
  RESIGN_P12            Path to P12 bundle (overridden by --p12)
  RESIGN_P12_PASSWORD   P12 password (overridden by --password)

Examples:
  # Resign an IPA with PEM credentials
  go-resign resign --input=MyApp.ipa --output=MyApp-resigned.ipa \
      --cert=cert.pem --key=key.pem --profile=dev.mobileprovision

  # Resign using environment variables (useful for CI)
  export RESIGN_P12=/path/to/cert.p12
  export RESIGN_P12_PASSWORD=secret
  export RESIGN_PROFILE=/path/to/profile.mobileprovision
  go-resign resign --input=MyApp.app --output=MyApp-resigned.app

  # Check which format an input would be handled as
  go-resign detect --input=MyApp.zip

  # View provisioning profile information
  go-resign info --profile=dev.mobileprovision
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	var run func(docopt.Opts) error
	switch {
	case command(opts, "resign"):
		run = runResign
	case command(opts, "detect"):
		run = runDetect
	case command(opts, "info"):
		run = runInfo
	}
	if run == nil {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, resign.ErrNotSignable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func command(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

// flagOrEnv reads a docopt option, falling back to an environment variable
// when the flag is absent.
func flagOrEnv(opts docopt.Opts, flag, env string) string {
	if v, _ := opts.String(flag); v != "" {
		return v
	}
	return os.Getenv(env)
}

func runResign(opts docopt.Opts) error {
	inputPath, _ := opts.String("--input")
	outputPath, _ := opts.String("--output")
	if verbose, _ := opts.Bool("--verbose"); verbose {
		resign.SetLogger(resign.NewDebugLogger())
	}

	ro := resign.Options{
		InputPath:               inputPath,
		OutputPath:              outputPath,
		CertificatePath:         flagOrEnv(opts, "--cert", "RESIGN_CERT"),
		KeyPath:                 flagOrEnv(opts, "--key", "RESIGN_KEY"),
		RootCertPath:            flagOrEnv(opts, "--root-cert", "RESIGN_ROOT_CERT"),
		P12Path:                 flagOrEnv(opts, "--p12", "RESIGN_P12"),
		P12Password:             flagOrEnv(opts, "--password", "RESIGN_P12_PASSWORD"),
		ProvisioningProfilePath: flagOrEnv(opts, "--profile", "RESIGN_PROFILE"),
	}

	if ro.ProvisioningProfilePath == "" {
		return fmt.Errorf("--profile is required (or set RESIGN_PROFILE)")
	}
	if ro.P12Path == "" && (ro.CertificatePath == "" || ro.KeyPath == "") {
		return fmt.Errorf("either --p12 or both --cert and --key are required")
	}

	if err := resign.Resign(ro); err != nil {
		return err
	}
	fmt.Printf("Successfully resigned %s to %s\n", inputPath, outputPath)
	return nil
}

func runDetect(opts docopt.Opts) error {
	inputPath, _ := opts.String("--input")

	det, err := resign.DetectFormat(inputPath, resign.NewHelperToolRegistry())
	if err != nil {
		return err
	}
	fmt.Printf("Format:      %s\n", det.Format.Name())
	if det.RelativeAppDir != "" {
		fmt.Printf("App Dir:     %s\n", det.RelativeAppDir)
	}
	return nil
}

func runInfo(opts docopt.Opts) error {
	if profilePath, _ := opts.String("--profile"); profilePath != "" {
		return showProfileInfo(profilePath)
	}
	if inputPath, _ := opts.String("--input"); inputPath != "" {
		return showBundleInfo(inputPath)
	}
	return fmt.Errorf("either --input or --profile is required")
}

func showBundleInfo(inputPath string) error {
	app, err := resign.NewAppBundle(inputPath)
	if err != nil {
		return err
	}

	fmt.Println("App Bundle Information")
	fmt.Println("======================")
	fmt.Printf("Path:        %s\n", inputPath)
	fmt.Printf("Bundle ID:   %s\n", app.BundleID())
	if executable, err := app.ExecutablePath(); err == nil {
		fmt.Printf("Executable:  %s\n", executable)
	}

	profile, err := resign.ParseProvisioningProfileFile(app.ProfilePath)
	if err != nil {
		return nil
	}
	fmt.Println()
	fmt.Println("Embedded Provisioning Profile")
	fmt.Println("-----------------------------")
	printProfile(profile)
	return nil
}

func showProfileInfo(profilePath string) error {
	profile, err := resign.ParseProvisioningProfileFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	printProfile(profile)

	if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
	}
	return nil
}

func printProfile(profile *resign.ProvisioningProfile) {
	fmt.Printf("Team ID:        %s\n", profile.TeamID())
	fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired())
	if certs, err := profile.Certificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}
}
