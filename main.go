package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/aluedeke/go-zsign/internal/config"
	"github.com/aluedeke/go-zsign/pkg/codesign"
)

const version = "1.0.0"

const usage = `go-zsign - Mach-O and iOS app re-signing tool

Signs single Mach-O files, .app bundles and IPA archives ad-hoc or with a
certificate and provisioning profile, on any platform.

Usage:
  go-zsign sign [options] [--dylib=<path>...] <path>
  go-zsign verify [-d | -q] [--temp-dir=<dir>] <path>
  go-zsign info [-d | -q] [--recursive] <path>
  go-zsign info --profile=<path>
  go-zsign diff [--recursive] <path1> <path2>
  go-zsign config [options]
  go-zsign -h | --help
  go-zsign --version

Commands:
  sign      Sign a Mach-O file, .app bundle or IPA archive
  verify    Check the signatures of a file, bundle or archive
  info      Display the Mach-O and code signature details, or a provisioning profile
  diff      Compare code signatures between two files or bundles
  config    Print the settings resolved from flags, environment and --config

Options:
  -k --key=<path>            Private key (PEM, DER) or PKCS#12 file (or ZSIGN_KEY)
  -c --cert=<path>           Certificate, when the key file carries none (or ZSIGN_CERT)
  -m --profile=<path>        Provisioning profile (or ZSIGN_PROFILE)
  -p --password=<password>   Password of the key (or ZSIGN_PASSWORD)
  -a --adhoc                 Sign ad-hoc, ignoring any key
  -e --entitlements=<path>   Entitlements plist replacing the profile entitlements
  -b --bundle-id=<id>        New bundle identifier
  -n --bundle-name=<name>    New bundle display name
  -r --bundle-version=<ver>  New bundle version
  -l --dylib=<path>          Dylib to inject into the main executable, repeatable
  -w --weak                  Inject dylibs as LC_LOAD_WEAK_DYLIB
  -f --force                 Re-sign binaries that are already signed
  -o --output=<path>         Output path, defaults to signing in place
  -t --temp-dir=<dir>        Directory for IPA extraction
  --sha256-only              Emit only the SHA-256 CodeDirectory
  -j --jobs=<n>              Sibling components signed in parallel
  --config=<path>            YAML file with defaults for the options above
  --recursive                Include nested bundles like Frameworks/ and PlugIns/
  -d --debug                 Debug logging
  -q --quiet                 No logging
  -h --help                  Show this help message
  --version                  Show version

Environment Variables:
  ZSIGN_KEY        Private key or PKCS#12 file (overridden by --key)
  ZSIGN_CERT       Certificate (overridden by --cert)
  ZSIGN_PROFILE    Provisioning profile (overridden by --profile)
  ZSIGN_PASSWORD   Key password (overridden by --password)

Examples:
  # Sign an IPA with a new certificate
  go-zsign sign -k cert.p12 -p secret -m dev.mobileprovision -o out.ipa MyApp.ipa

  # Sign a bundle ad-hoc in place and change its bundle ID
  go-zsign sign -a -b com.example.newapp MyApp.app

  # Inject a dylib and re-sign
  go-zsign sign -a -f -l @executable_path/tweak.dylib MyApp.app

  # Verify a signed binary
  go-zsign verify MyApp.app/MyApp

  # Compare signatures including nested bundles
  go-zsign diff --recursive App1.app App2.app

  # Show which key and profile a signing run would use
  go-zsign config --config zsign.yaml -j 4
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], fmt.Sprintf("%s (engine %s)", version, codesign.Version()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = newLogger(opts).WithContext(ctx)

	if sign, _ := opts.Bool("sign"); sign {
		err = runSign(ctx, opts)
	} else if verify, _ := opts.Bool("verify"); verify {
		err = runVerify(ctx, opts)
	} else if info, _ := opts.Bool("info"); info {
		err = runInfo(opts)
	} else if diff, _ := opts.Bool("diff"); diff {
		err = runDiff(opts)
	} else if cfg, _ := opts.Bool("config"); cfg {
		err = runConfig(opts)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if codesign.Code(err) == -2 {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newLogger(opts docopt.Opts) *zerolog.Logger {
	level := zerolog.InfoLevel
	if debug, _ := opts.Bool("--debug"); debug {
		level = zerolog.DebugLevel
	}
	if quiet, _ := opts.Bool("--quiet"); quiet {
		level = zerolog.Disabled
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
	return &log
}

// settings merges flags, environment and config file.
func settings(opts docopt.Opts) (config.Config, error) {
	var file *config.Config
	if path, _ := opts.String("--config"); path != "" {
		var err error
		if file, err = config.ReadFile(path); err != nil {
			return config.Config{}, &codesign.Error{Kind: codesign.KindInvalidInput, Path: path, Err: err}
		}
	}
	flags := &config.Config{}
	flags.Key, _ = opts.String("--key")
	flags.Cert, _ = opts.String("--cert")
	flags.Profile, _ = opts.String("--profile")
	flags.Password, _ = opts.String("--password")
	flags.Entitlements, _ = opts.String("--entitlements")
	flags.TempDir, _ = opts.String("--temp-dir")
	flags.SHA256Only, _ = opts.Bool("--sha256-only")
	if s, _ := opts.String("--jobs"); s != "" {
		n, err := opts.Int("--jobs")
		if err != nil || n < 1 {
			return config.Config{}, &codesign.Error{Kind: codesign.KindInvalidInput, Err: fmt.Errorf("invalid --jobs %q", s)}
		}
		flags.Jobs = n
	}
	return config.Resolve(flags, config.FromEnv(os.Getenv), file), nil
}

// runConfig prints the resolved settings. The password is never shown.
func runConfig(opts docopt.Opts) error {
	cfg, err := settings(opts)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runSign(ctx context.Context, opts docopt.Opts) error {
	log := zerolog.Ctx(ctx)
	path, _ := opts.String("<path>")
	cfg, err := settings(opts)
	if err != nil {
		return err
	}

	adhoc, _ := opts.Bool("--adhoc")
	identity := codesign.AdHoc()
	if !adhoc && cfg.Key != "" {
		if identity, err = loadIdentity(cfg); err != nil {
			return err
		}
	} else if !adhoc {
		log.Warn().Msg("no key given, signing ad-hoc")
	}

	signOpts := codesign.Options{
		Path:             path,
		Identity:         identity,
		EntitlementsFile: cfg.Entitlements,
		TempDir:          cfg.TempDir,
		SHA256Only:       cfg.SHA256Only,
		Jobs:             cfg.Jobs,
		Logger:           log,
	}
	signOpts.Output, _ = opts.String("--output")
	signOpts.BundleID, _ = opts.String("--bundle-id")
	signOpts.BundleName, _ = opts.String("--bundle-name")
	signOpts.BundleVersion, _ = opts.String("--bundle-version")
	signOpts.WeakInject, _ = opts.Bool("--weak")
	signOpts.Force, _ = opts.Bool("--force")
	if dylibs, ok := opts["--dylib"].([]string); ok {
		signOpts.Dylibs = dylibs
	}

	if err := codesign.Sign(ctx, signOpts); err != nil {
		return err
	}
	out := signOpts.Output
	if out == "" {
		out = path
	}
	fmt.Printf("Successfully signed: %s\n", out)
	return nil
}

// loadIdentity reads the key material, prompting for a password on a
// terminal when the key is encrypted and none was given.
func loadIdentity(cfg config.Config) (*codesign.SigningIdentity, error) {
	idOpts := codesign.IdentityOptions{Password: cfg.Password}
	var err error
	if idOpts.Key, err = readInput(cfg.Key, "key"); err != nil {
		return nil, err
	}
	if cfg.Cert != "" {
		if idOpts.Cert, err = readInput(cfg.Cert, "certificate"); err != nil {
			return nil, err
		}
	}
	if cfg.Profile != "" {
		if idOpts.Profile, err = readInput(cfg.Profile, "provisioning profile"); err != nil {
			return nil, err
		}
	}

	id, err := codesign.LoadIdentity(idOpts)
	if errors.Is(err, codesign.ErrPasswordRequired) && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Key password: ")
		pw, perr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if perr != nil {
			return nil, fmt.Errorf("failed to read password: %w", perr)
		}
		idOpts.Password = string(pw)
		id, err = codesign.LoadIdentity(idOpts)
	}
	return id, err
}

func readInput(path, what string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &codesign.Error{Kind: codesign.KindInvalidInput, Path: path, Err: fmt.Errorf("failed to read %s: %w", what, err)}
	}
	return data, nil
}

func runVerify(ctx context.Context, opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	tempDir, _ := opts.String("--temp-dir")
	err := codesign.Sign(ctx, codesign.Options{
		Path:           path,
		CheckSignature: true,
		TempDir:        tempDir,
		Logger:         zerolog.Ctx(ctx),
	})
	if err != nil {
		return err
	}
	fmt.Printf("Signature valid: %s\n", path)
	return nil
}

func runInfo(opts docopt.Opts) error {
	if profilePath, _ := opts.String("--profile"); profilePath != "" {
		return showProfileInfo(profilePath)
	}
	path, _ := opts.String("<path>")
	recursive, _ := opts.Bool("--recursive")
	return showInfo(path, recursive)
}

func runDiff(opts docopt.Opts) error {
	path1, _ := opts.String("<path1>")
	path2, _ := opts.String("<path2>")
	recursive, _ := opts.Bool("--recursive")

	diff, err := codesign.CompareBundles(path1, path2, recursive)
	if err != nil {
		return err
	}
	codesign.PrintSignatureDiff(diff, os.Stdout)
	return nil
}

func showInfo(inputPath string, recursive bool) error {
	st, err := os.Stat(inputPath)
	if err != nil {
		return &codesign.Error{Kind: codesign.KindInvalidInput, Path: inputPath, Err: err}
	}
	if !st.IsDir() && !strings.EqualFold(filepath.Ext(inputPath), ".ipa") {
		infos, err := codesign.ParseSignature(inputPath)
		if err != nil {
			return &codesign.Error{Kind: codesign.KindMalformedBinary, Path: inputPath, Err: err}
		}
		for _, info := range infos {
			codesign.PrintSignatureInfo(info, os.Stdout)
		}
		return nil
	}

	appPath := inputPath
	if !st.IsDir() {
		tempDir, err := codesign.ExtractIPA(inputPath, "")
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)
		if appPath, err = codesign.FindAppBundle(tempDir); err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	}

	tree, err := codesign.BuildTree(appPath)
	if err != nil {
		return fmt.Errorf("failed to read bundle: %w", err)
	}
	fmt.Println("Bundle Information")
	fmt.Println("==================")
	fmt.Printf("Path:        %s\n", inputPath)
	fmt.Printf("App Name:    %s\n", filepath.Base(appPath))
	if tree.Executable != "" {
		fmt.Printf("Executable:  %s\n", filepath.Base(tree.Executable))
	}
	fmt.Println("Components:")
	for _, c := range tree.PostOrder() {
		fmt.Printf("  %-10s %s\n", c.Kind, c.Rel(tree))
	}

	if profileData, err := os.ReadFile(filepath.Join(appPath, "embedded.mobileprovision")); err == nil {
		if profile, err := codesign.ParseProvisioningProfile(profileData); err == nil {
			fmt.Println()
			fmt.Println("Embedded Provisioning Profile")
			fmt.Println("-----------------------------")
			printProfile(profile)
		}
	}

	fmt.Println()
	fmt.Println("Code Signature Details")
	fmt.Println("======================")
	infos, err := codesign.GetBundleSignatureInfo(appPath, recursive)
	if err != nil {
		return fmt.Errorf("failed to get signature info: %w", err)
	}
	for _, info := range infos {
		codesign.PrintSignatureInfo(info, os.Stdout)
	}
	return nil
}

func showProfileInfo(profilePath string) error {
	profileData, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	profile, err := codesign.ParseProvisioningProfile(profileData)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	printProfile(profile)

	if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		for _, udid := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}
	if len(profile.Entitlements) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		keys := make([]string, 0, len(profile.Entitlements))
		for k := range profile.Entitlements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, profile.Entitlements[k])
		}
	}
	return nil
}

func printProfile(profile *codesign.ProvisioningProfile) {
	fmt.Printf("Team ID:        %s\n", profile.TeamID())
	fmt.Printf("App ID:         %s\n", profile.AppID())
	fmt.Printf("Type:           %s\n", profile.Type())
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02"))
	fmt.Printf("Expired:        %v\n", profile.ExpiredAt(time.Now()))
	certs := profile.Certificates()
	fmt.Printf("Certificates:   %d\n", len(certs))
	for i, cert := range certs {
		fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
		fmt.Printf("      Serial: %s\n", cert.SerialNumber.String())
		fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
	}
}
