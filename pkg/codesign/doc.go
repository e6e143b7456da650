// Package codesign re-signs iOS apps and Mach-O binaries without Apple
// tooling.
//
// It accepts a single Mach-O file (thin or fat), an .app bundle directory
// or an .ipa archive, and signs every nested component children first:
// dylibs, frameworks, app extensions and watch apps before the bundle that
// contains them. Signing is ad-hoc unless a certificate identity is given.
//
// # Basic Usage
//
//	id, err := codesign.LoadIdentity(codesign.IdentityOptions{
//	    Key:      p12Data,
//	    Password: password,
//	    Profile:  profileData,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = codesign.Sign(ctx, codesign.Options{
//	    Path:     "MyApp.ipa",
//	    Output:   "MyApp-signed.ipa",
//	    Identity: id,
//	    BundleID: "com.example.newapp",
//	})
//
// Every error returned by Sign is a *Error; Code maps it to the status
// codes of the command line tool.
//
// # Features
//
//   - Native CodeDirectory and CMS construction with SHA-1 and SHA-256
//   - Bundle id, name and version rewriting, including nested bundles
//   - Dylib injection before signing
//   - Signature verification, inspection and comparison
package codesign
