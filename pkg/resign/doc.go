// Package resign resigns iOS app bundles with a new certificate and
// provisioning profile.
//
// The pipeline accepts three container formats: an extracted .app directory,
// a .zip holding a single top-level Foo.app/ directory, and Apple's .ipa
// distribution archive holding Payload/Foo.app/. Detection is automatic; the
// output is written in the input's own format.
//
// # Basic Usage
//
// To resign a bundle:
//
//	err := resign.Resign(resign.Options{
//	    InputPath:               "MyApp.ipa",
//	    OutputPath:              "MyApp-resigned.ipa",
//	    CertificatePath:         "cert.pem",
//	    KeyPath:                 "key.pem",
//	    ProvisioningProfilePath: "dev.mobileprovision",
//	})
//
// Each invocation extracts the input into a private workspace, provisions the
// bundle, writes entitlements for the signing identity's team, signs the
// Frameworks dylibs, seals the resources, signs the main executable, and
// re-archives. The workspace is released on every exit path.
//
// Failures are classified under ErrNotSignable; inputs that match no known
// container format fail with the narrower ErrNotMatched.
package resign
