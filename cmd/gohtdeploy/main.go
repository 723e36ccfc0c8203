// Command gohtdeploy syncs one or more local directory trees to remote
// sites described by YAML config files, over FTP, FTPS, SFTP, or the
// local filesystem.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/gohtdeploy/gohtdeploy/config"
	"github.com/gohtdeploy/gohtdeploy/deploy"
	"github.com/gohtdeploy/gohtdeploy/internal/logging"
	"github.com/gohtdeploy/gohtdeploy/server"
	"github.com/gohtdeploy/gohtdeploy/server/ftpd"
	"github.com/gohtdeploy/gohtdeploy/server/localfs"
	"github.com/gohtdeploy/gohtdeploy/server/sftpd"
)

// Exit codes per spec §6.2.
const (
	exitSuccess             = 0
	exitGenericFailure      = 1
	exitConfigError         = 2
	exitConcurrentDeployment = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		testMode   bool
		redeploy   bool
		noProgress bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "gohtdeploy [config files...]",
		Short: "Incremental, crash-safe, atomic deployment over FTP/FTPS/SFTP/local",
	}
	cmd.Flags().BoolVarP(&testMode, "test", "t", false, "force test mode: compute the diff, apply nothing")
	cmd.Flags().BoolVar(&redeploy, "full", false, "redeploy: force reupload of every local file")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "suppress per-file progress output")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	exitCode := exitSuccess
	cmd.RunE = func(c *cobra.Command, configPaths []string) error {
		code, err := runDeployments(configPaths, testMode, redeploy, noProgress, verbose)
		exitCode = code
		return err
	}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gohtdeploy:", err)
		if exitCode == exitSuccess {
			exitCode = exitGenericFailure
		}
	}
	return exitCode
}

func runDeployments(configPaths []string, testMode, redeploy, noProgress, verbose bool) (int, error) {
	log, err := logging.New(logging.Options{Verbose: verbose, NoProgress: noProgress})
	if err != nil {
		return exitGenericFailure, errors.Wrap(err, "building logger")
	}
	defer log.Sync()

	doc, err := config.LoadAll(configPaths)
	if err != nil {
		return exitConfigError, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("interrupt received, cancelling in-flight deployment")
		cancel()
	}()

	for _, site := range doc.Sites {
		log.Phase(fmt.Sprintf("site %s", site.Name))

		capability, closeFn, err := buildCapability(site.Host, site)
		if err != nil {
			return exitConfigError, errors.Wrapf(err, "site %s", site.Name)
		}

		d, err := deploy.New(site, capability, log, deploy.Options{
			ForceTestMode: testMode,
			Redeploy:      redeploy,
		})
		if err != nil {
			closeFn()
			return exitConfigError, errors.Wrapf(err, "site %s", site.Name)
		}

		summary, err := d.Run(ctx)
		closeFn()
		if err != nil {
			if errors.Is(err, deploy.ErrConcurrentDeployment) {
				return exitConcurrentDeployment, err
			}
			return exitGenericFailure, errors.Wrapf(err, "site %s", site.Name)
		}

		log.Infow("site deployed", "site", site.Name,
			"uploaded", summary.Uploaded, "deleted", summary.Deleted,
			"purged", summary.Purged, "skipped", summary.Skipped)
	}

	return exitSuccess, nil
}

// buildCapability dials the transport named by site.Host.Scheme and
// returns a server.Capability plus a Close func. Scheme selection and
// STDIN password prompting implement spec §6.1.
func buildCapability(h config.Host, site config.Site) (server.Capability, func() error, error) {
	password := h.Password
	if h.UsesStdinPassword() {
		prompted, err := promptPassword(h)
		if err != nil {
			return server.Capability{}, nil, err
		}
		password = prompted
	}

	filePerm, err := config.ParseMode(site.FilePermissions)
	if err != nil {
		return server.Capability{}, nil, err
	}
	dirPerm, err := config.ParseMode(site.DirPermissions)
	if err != nil {
		return server.Capability{}, nil, err
	}

	poolSize := site.EffectiveUploadWorkers()

	switch h.Scheme {
	case "sftp":
		capa, err := sftpd.New(sftpd.Options{
			Addr:            fmt.Sprintf("%s:%d", h.Address, effectivePort(h.Port, 22)),
			User:            h.User,
			Auth:            []ssh.AuthMethod{ssh.Password(password)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			BaseDir:         h.Path,
			FilePermissions: filePerm,
			DirPermissions:  dirPerm,
		}, poolSize)
		if err != nil {
			return server.Capability{}, nil, err
		}
		return capa, capa.Close, nil

	case "ftp", "ftps":
		capa, err := ftpd.New(ftpd.Options{
			Addr:     fmt.Sprintf("%s:%d", h.Address, effectivePort(h.Port, 21)),
			User:     h.User,
			Password: password,
			BaseDir:  h.Path,
			TLS:      h.Scheme == "ftps",
			Passive:  h.PassiveMode,
		}, poolSize)
		if err != nil {
			return server.Capability{}, nil, err
		}
		return capa, capa.Close, nil

	case "file", "":
		capa := localfs.New(localfs.Options{
			BaseDir:         h.Path,
			FilePermissions: filePerm,
			DirPermissions:  dirPerm,
		})
		return capa, capa.Close, nil

	default:
		return server.Capability{}, nil, errors.Wrap(deploy.ErrConfig, "unrecognized remote scheme "+h.Scheme)
	}
}

func effectivePort(configured, fallback int) int {
	if configured == 0 {
		return fallback
	}
	return configured
}

// promptPassword reads a hidden password from the terminal, matching
// the STDIN sentinel contract in spec §6.1.
func promptPassword(h config.Host) (string, error) {
	fmt.Fprintf(os.Stderr, "password for %s@%s: ", h.User, h.Address)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "reading password from terminal")
	}
	return string(data), nil
}
