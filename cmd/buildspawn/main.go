// Command buildspawn manages compressed Debian root filesystem images and
// runs isolated, ephemeral build commands inside instances of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/onkernel/buildspawn/lib/executil"
	"github.com/onkernel/buildspawn/lib/nspawn"
	"github.com/onkernel/buildspawn/lib/osbase"
)

// Exit codes are part of the tool's contract with CI drivers.
const (
	exitOK          = 0
	exitConfig      = 2
	exitPrivilege   = 3
	exitImageState  = 4
	exitUnsafePerms = 5
	exitFailure     = 6
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := pflag.NewFlagSet("buildspawn", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.Usage = printUsage
	configFile := global.String("config", "", "configuration file (default "+defaultConfigNote+")")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	rest := global.Args()
	if len(rest) == 0 {
		printUsage()
		return exitConfig
	}
	command, cmdArgs := rest[0], rest[1:]

	var err error
	switch command {
	case "create":
		err = cmdCreate(*configFile, cmdArgs)
	case "update":
		err = cmdUpdate(*configFile, cmdArgs)
	case "recreate":
		err = cmdRecreate(*configFile, cmdArgs)
	case "delete":
		err = cmdDelete(*configFile, cmdArgs)
	case "run":
		err = cmdRun(*configFile, cmdArgs)
	case "login":
		err = cmdLogin(*configFile, cmdArgs)
	case "list", "ls":
		err = cmdList(*configFile)
	case "status":
		err = cmdStatus(*configFile)
	case "clear-caches":
		err = cmdClearCaches(*configFile)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		printUsage()
		return exitConfig
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "buildspawn:", err)
		return exitCode(err)
	}
	return exitOK
}

const defaultConfigNote = "/etc/buildspawn/global.yaml"

var errUsage = errors.New("invalid usage")

// errPrivilege reports a non-root invocation of a privileged subcommand.
var errPrivilege = errors.New("this command needs root privileges, re-run it with sudo")

func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage),
		errors.Is(err, nspawn.ErrToolMissing),
		errors.Is(err, executil.ErrMissingTool):
		return exitConfig
	case errors.Is(err, errPrivilege):
		return exitPrivilege
	case errors.Is(err, osbase.ErrNotFound),
		errors.Is(err, osbase.ErrAlreadyExists),
		errors.Is(err, osbase.ErrManifestMissing),
		errors.Is(err, osbase.ErrNameMismatch):
		return exitImageState
	case errors.Is(err, nspawn.ErrUnsafePermission):
		return exitUnsafePerms
	default:
		return exitFailure
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage: buildspawn [--config FILE] COMMAND [OPTIONS] [ARGS]

Image lifecycle:
  create SUITE        bootstrap a new image
  update SUITE        refresh an image's packages in place
  recreate SUITE      rebuild an image from its recorded settings
  delete SUITE        remove an image and all state keyed to it

Execution:
  run SUITE CMD...    run a command in an ephemeral instance
  login SUITE         open an interactive shell in an instance

Maintenance:
  list                list images in the store
  status              show configuration and host tool availability
  clear-caches        drop all package and derived caches

Run 'buildspawn COMMAND --help' for command options.
`)
}

// requireRoot gates subcommands that materialize instances or mutate the
// root-owned image store.
func requireRoot() error {
	if os.Geteuid() != 0 {
		return errPrivilege
	}
	return nil
}

// identityFlags are the image-selection flags shared by every subcommand
// that addresses one image.
type identityFlags struct {
	arch      *string
	variant   *string
	baseSuite *string
	name      *string
}

func addIdentityFlags(fs *pflag.FlagSet) *identityFlags {
	return &identityFlags{
		arch:      fs.String("arch", "", "target architecture (default: host architecture)"),
		variant:   fs.String("variant", "", "bootstrap variant, e.g. buildd or minbase"),
		baseSuite: fs.String("base-suite", "", "base suite for overlay setups"),
		name:      fs.String("name", "", "custom image name"),
	}
}

func (f *identityFlags) identity(ctx context.Context, suite, defaultVariant string) (osbase.Identity, error) {
	variant := *f.variant
	if variant == "" {
		variant = defaultVariant
	}
	return osbase.ResolveIdentity(ctx, osbase.Identity{
		Suite:      suite,
		Arch:       *f.arch,
		Variant:    variant,
		BaseSuite:  *f.baseSuite,
		CustomName: *f.name,
	})
}

// baseFor wires up a Base for one image from the initialized application.
func baseFor(app *application, id osbase.Identity) *osbase.Base {
	return osbase.New(id, app.Paths, app.Store, app.Engine, app.Config.HelperPath)
}

// signalContext derives a context cancelled on interrupt or termination, so
// instance teardown still runs.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	fs.SortFlags = false
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(exitOK)
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func oneSuiteArg(fs *pflag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%w: expected exactly one SUITE argument", errUsage)
	}
	return fs.Arg(0), nil
}

func cmdCreate(configFile string, args []string) error {
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	idf := addIdentityFlags(fs)
	mirror := fs.String("mirror", "", "package mirror URL (default: debootstrap's choice)")
	components := fs.StringSlice("components", nil, "archive components to enable")
	extraSuites := fs.StringSlice("extra-suites", nil, "additional suites to enable")
	extraSources := fs.StringArray("extra-source-line", nil, "literal sources.list line to append (repeatable)")
	withRecommends := fs.Bool("with-recommends", false, "do not suppress recommended packages")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	suite, err := oneSuiteArg(fs)
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}

	app, err := initializeApp(configFile)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(app.Ctx)
	defer stop()

	id, err := idf.identity(ctx, suite, app.Config.DefaultVariant)
	if err != nil {
		return err
	}
	return baseFor(app, id).Create(ctx, osbase.CreateOptions{
		Mirror:           *mirror,
		Components:       *components,
		ExtraSuites:      *extraSuites,
		ExtraSourceLines: *extraSources,
		AllowRecommends:  *withRecommends,
	})
}

func cmdUpdate(configFile string, args []string) error {
	fs := pflag.NewFlagSet("update", pflag.ContinueOnError)
	idf := addIdentityFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	suite, err := oneSuiteArg(fs)
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}

	app, err := initializeApp(configFile)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(app.Ctx)
	defer stop()

	id, err := idf.identity(ctx, suite, app.Config.DefaultVariant)
	if err != nil {
		return err
	}
	return baseFor(app, id).Update(ctx)
}

func cmdRecreate(configFile string, args []string) error {
	fs := pflag.NewFlagSet("recreate", pflag.ContinueOnError)
	idf := addIdentityFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	suite, err := oneSuiteArg(fs)
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}

	app, err := initializeApp(configFile)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(app.Ctx)
	defer stop()

	id, err := idf.identity(ctx, suite, app.Config.DefaultVariant)
	if err != nil {
		return err
	}
	return baseFor(app, id).Recreate(ctx)
}

func cmdDelete(configFile string, args []string) error {
	fs := pflag.NewFlagSet("delete", pflag.ContinueOnError)
	idf := addIdentityFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	suite, err := oneSuiteArg(fs)
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}

	app, err := initializeApp(configFile)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(app.Ctx)
	defer stop()

	id, err := idf.identity(ctx, suite, app.Config.DefaultVariant)
	if err != nil {
		return err
	}
	return baseFor(app, id).Delete(ctx)
}

func cmdRun(configFile string, args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	idf := addIdentityFlags(fs)
	buildDir := fs.String("build-dir", "", "host directory exposed at /srv/build")
	bindBuildDir := fs.Bool("bind-build-dir", false, "bind the build directory instead of copying it in")
	artifactsDir := fs.String("artifacts-dir", "", "host directory receiving /srv/artifacts (default: results dir)")
	initCommand := fs.String("init-command", "", "shell command run once before the main command")
	cacheKey := fs.String("cache-key", "", "derived cache key; snapshots the init command's side effects")
	allow := fs.StringSlice("allow", nil, "permission grants, e.g. cap_net_admin,kvm,full-dev")
	boot := fs.Bool("boot", false, "boot the instance's init system and run against the booted machine")
	privateUsers := fs.Bool("private-users", false, "run in a private user namespace")
	env := fs.StringArray("env", nil, "environment override KEY=VALUE (repeatable)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("%w: expected SUITE and a command", errUsage)
	}
	suite, command := fs.Arg(0), fs.Args()[1:]
	envMap, err := parseEnv(*env)
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}

	app, err := initializeApp(configFile)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(app.Ctx)
	defer stop()

	id, err := idf.identity(ctx, suite, app.Config.DefaultVariant)
	if err != nil {
		return err
	}

	var initArgv []string
	if *initCommand != "" {
		initArgv = []string{"/bin/sh", "-c", *initCommand}
	}
	artifacts := *artifactsDir
	if artifacts == "" {
		artifacts = app.Config.ResultsDir
	}
	return baseFor(app, id).Run(ctx, osbase.RunOptions{
		Command:            command,
		BuildDir:           *buildDir,
		BindBuildDir:       *bindBuildDir,
		ArtifactsDir:       artifacts,
		InitCommand:        initArgv,
		CacheKey:           *cacheKey,
		AllowedPermissions: *allow,
		Boot:               *boot,
		PrivateUsers:       *privateUsers,
		Env:                envMap,
	})
}

func cmdLogin(configFile string, args []string) error {
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	idf := addIdentityFlags(fs)
	persistent := fs.Bool("persistent", false, "fold changes made in the session back into the image")
	cacheKey := fs.String("cache-key", "", "enter the derived cache image for this key if present")
	allow := fs.StringSlice("allow", nil, "permission grants for the session")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	suite, err := oneSuiteArg(fs)
	if err != nil {
		return err
	}
	if err := requireRoot(); err != nil {
		return err
	}

	app, err := initializeApp(configFile)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(app.Ctx)
	defer stop()

	id, err := idf.identity(ctx, suite, app.Config.DefaultVariant)
	if err != nil {
		return err
	}
	return baseFor(app, id).Login(ctx, *persistent, *allow, *cacheKey)
}

func cmdList(configFile string) error {
	app, err := initializeQueryApp(configFile)
	if err != nil {
		return err
	}
	infos, err := osbase.List(app.Ctx, app.Paths)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No images found.")
		return nil
	}
	for _, info := range infos {
		fmt.Printf("%s\n", info.Name)
		if info.Suite != "" {
			fmt.Printf("  suite: %s  arch: %s", info.Suite, info.Architecture)
			if info.BaseSuite != "" {
				fmt.Printf("  base: %s", info.BaseSuite)
			}
			if info.Variant != "" {
				fmt.Printf("  variant: %s", info.Variant)
			}
			fmt.Println()
		}
		fmt.Printf("  image: %s  package cache: %s\n",
			info.ArchiveSize.HumanReadable(), info.CacheSize.HumanReadable())
	}
	return nil
}

func cmdStatus(configFile string) error {
	app, err := initializeQueryApp(configFile)
	if err != nil {
		return err
	}
	cfg := app.Config

	fmt.Printf("images dir:         %s\n", cfg.ImagesDir)
	fmt.Printf("results dir:        %s\n", cfg.ResultsDir)
	fmt.Printf("package cache dir:  %s\n", cfg.AptCacheDir)
	fmt.Printf("injected pkgs dir:  %s\n", cfg.InjectedPkgsDir)
	fmt.Printf("temp dir:           %s\n", cfg.TempDir)
	fmt.Printf("compressor:         %s\n", cfg.Compressor)
	fmt.Printf("unsafe permissions: %s\n", enabledWord(cfg.AllowUnsafePerms))
	fmt.Printf("package caching:    %s\n", enabledWord(cfg.CachePackages))

	for _, tool := range []string{"systemd-nspawn", "debootstrap", "tar", cfg.Compressor} {
		state := "ok"
		if _, err := exec.LookPath(tool); err != nil {
			state = "MISSING"
		}
		fmt.Printf("tool %-15s %s\n", tool+":", state)
	}

	infos, err := osbase.List(app.Ctx, app.Paths)
	if err != nil {
		return err
	}
	fmt.Printf("images:             %d\n", len(infos))
	return nil
}

func cmdClearCaches(configFile string) error {
	if err := requireRoot(); err != nil {
		return err
	}
	app, err := initializeQueryApp(configFile)
	if err != nil {
		return err
	}
	return osbase.ClearAllCaches(app.Ctx, app.Paths)
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed --env %q, want KEY=VALUE", errUsage, pair)
		}
		env[key] = value
	}
	return env, nil
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
