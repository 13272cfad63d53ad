// Command wiretap runs the intercepting HTTP/HTTPS proxy defined by the
// proxy package: explicit-proxy, transparent, and reverse intake, TLS
// interception via a local CA, and an optional Proxy-Authorization
// challenge, all driven by the flags below.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kamilstanek/wiretap/cert"
	"github.com/kamilstanek/wiretap/internal/auth"
	"github.com/kamilstanek/wiretap/internal/controller"
	"github.com/kamilstanek/wiretap/internal/htpasswd"
	"github.com/kamilstanek/wiretap/internal/sizeparse"
	"github.com/kamilstanek/wiretap/proxy"
	"github.com/kamilstanek/wiretap/version"
)

type cliOptions struct {
	addr string

	certPath      string
	clientCerts   string
	dummyCerts    string
	caCertPath    string
	noUpstreamCer bool
	sslInsecure   bool
	bodySizeLimit string
	upstreamProxy string

	reverse     string
	transparent bool

	nonAnonymous bool
	singleUser   string
	htpasswdPath string

	interceptHosts   []string
	noInterceptHosts []string

	logFile string

	readTimeout  int
	writeTimeout int

	showVersion bool
}

func main() {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "wiretap",
		Short: "An intercepting HTTP/HTTPS proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return validateOptions(opts)
		},
		SilenceUsage: true,
	}

	bindFlags(root.Flags(), opts)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bindFlags(flags *pflag.FlagSet, opts *cliOptions) {
	flags.StringVar(&opts.addr, "addr", ":9080", "proxy listen address")
	flags.StringVar(&opts.certPath, "cert", "", "PEM with cert+key to present for all TLS interceptions, overriding forgery")
	flags.StringVar(&opts.clientCerts, "client-certs", "", "directory of per-host client certs, filename {idna-host}.pem")
	flags.StringVar(&opts.dummyCerts, "dummy-certs", "", "persistent cache directory for forged leaf certificates")
	flags.StringVar(&opts.caCertPath, "cacert", "", "directory holding the CA cert+key wiretap-ca.pem (defaults to $HOME/.wiretap, auto-created if absent)")
	flags.BoolVar(&opts.noUpstreamCer, "no-upstream-cert", false, "skip SAN harvesting from the upstream certificate")
	flags.BoolVar(&opts.sslInsecure, "ssl-insecure", false, "do not verify upstream TLS/SSL certificates")
	flags.StringVar(&opts.bodySizeLimit, "body-size-limit", "", "cap on body bytes, e.g. 10m, 2g (empty means unlimited)")
	flags.StringVar(&opts.upstreamProxy, "upstream-proxy", "", "chain every upstream connection through this SOCKS5 or HTTPS proxy URL")
	flags.StringVar(&opts.reverse, "reverse", "", "reverse-proxy target, scheme://host[:port]")
	flags.BoolVar(&opts.transparent, "transparent", false, "enable transparent mode (requires a platform original-destination resolver)")
	flags.BoolVar(&opts.nonAnonymous, "nonanonymous", false, "require any syntactically valid Proxy-Authorization")
	flags.StringVar(&opts.singleUser, "singleuser", "", "require Proxy-Authorization for exactly user:pass")
	flags.StringVar(&opts.htpasswdPath, "htpasswd", "", "validate Proxy-Authorization against a bcrypt htpasswd file")
	flags.StringSliceVar(&opts.interceptHosts, "intercept-hosts", nil, "only intercept TLS for hosts matching one of these glob patterns")
	flags.StringSliceVar(&opts.noInterceptHosts, "no-intercept-hosts", nil, "tunnel these hosts opaquely instead of intercepting TLS")
	flags.StringVar(&opts.logFile, "log-file", "", "write structured logs to this file instead of stdout")
	flags.IntVar(&opts.readTimeout, "read-timeout", 0, "per-request read timeout in seconds (0 disables)")
	flags.IntVar(&opts.writeTimeout, "write-timeout", 0, "per-request write timeout in seconds (0 disables)")
	flags.BoolVar(&opts.showVersion, "version", false, "print the version and exit")
}

func validateOptions(opts *cliOptions) error {
	if opts.reverse != "" && opts.transparent {
		return fmt.Errorf("--reverse and --transparent are mutually exclusive")
	}

	authModes := 0
	if opts.nonAnonymous {
		authModes++
	}
	if opts.singleUser != "" {
		authModes++
	}
	if opts.htpasswdPath != "" {
		authModes++
	}
	if authModes > 1 {
		return fmt.Errorf("--nonanonymous, --singleuser, and --htpasswd are mutually exclusive")
	}

	if len(opts.interceptHosts) > 0 && len(opts.noInterceptHosts) > 0 {
		return fmt.Errorf("--intercept-hosts and --no-intercept-hosts are mutually exclusive")
	}

	if opts.clientCerts != "" {
		if st, err := os.Stat(opts.clientCerts); err != nil || !st.IsDir() {
			return fmt.Errorf("--client-certs %q is not a directory", opts.clientCerts)
		}
	}
	if opts.dummyCerts != "" {
		if st, err := os.Stat(opts.dummyCerts); err != nil || !st.IsDir() {
			return fmt.Errorf("--dummy-certs %q is not a directory", opts.dummyCerts)
		}
	}

	return nil
}

func run(opts *cliOptions) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	il := proxy.NewInstanceLoggerWithFile(opts.addr, "", opts.logFile)
	// Every component logs through slog.Default(), so swapping it for the
	// instance logger stamps instance identity onto the whole process.
	slog.SetDefault(il.GetLogger())
	log := il.For("main")

	if opts.showVersion {
		fmt.Println("wiretap " + version.String())
		return nil
	}

	config, err := buildConfig(opts)
	if err != nil {
		return err
	}

	ca, err := cert.NewSelfSignCA(opts.caCertPath)
	if err != nil {
		return fmt.Errorf("initialize CA: %w", err)
	}

	p, err := proxy.NewProxy(config, ca)
	if err != nil {
		return fmt.Errorf("initialize proxy: %w", err)
	}
	p.SetController(controller.NewLogger(il.GetLogger()))

	switch {
	case len(opts.interceptHosts) > 0:
		p.SetInterceptHosts(opts.interceptHosts)
	case len(opts.noInterceptHosts) > 0:
		p.SetNoInterceptHosts(opts.noInterceptHosts)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start() }()

	log.Info("wiretap started", "addr", opts.addr, "mode", config.Mode, "version", p.Version)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("proxy exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down")
		return p.Shutdown(context.Background())
	}
}

func buildConfig(opts *cliOptions) (proxy.Config, error) {
	bodyLimit, err := sizeparse.Parse(opts.bodySizeLimit)
	if err != nil {
		return proxy.Config{}, err
	}

	var upstreamProxy *url.URL
	if opts.upstreamProxy != "" {
		upstreamProxy, err = url.Parse(opts.upstreamProxy)
		if err != nil {
			return proxy.Config{}, fmt.Errorf("invalid --upstream-proxy %q: %w", opts.upstreamProxy, err)
		}
	}

	config := proxy.Config{
		Addr:                opts.addr,
		CertPath:            opts.certPath,
		ClientCertsDir:      opts.clientCerts,
		DummyCertsDir:       opts.dummyCerts,
		CACertPath:          opts.caCertPath,
		NoUpstreamCert:      opts.noUpstreamCer,
		InsecureSkipVerify:  opts.sslInsecure,
		UpstreamProxy:       upstreamProxy,
		BodySizeLimit:       bodyLimit,
		ReadTimeoutSeconds:  opts.readTimeout,
		WriteTimeoutSeconds: opts.writeTimeout,
	}

	switch {
	case opts.transparent:
		config.Mode = proxy.ModeTransparent
		config.Transparent = proxy.TransparentConfig{TLSPorts: proxy.DefaultTransparentTLSPorts}
	case opts.reverse != "":
		target, err := proxy.ParseReverseTarget(opts.reverse)
		if err != nil {
			return proxy.Config{}, err
		}
		config.Mode = proxy.ModeReverse
		config.Reverse = target
	default:
		config.Mode = proxy.ModeExplicit
	}

	authenticator, err := buildAuthenticator(opts)
	if err != nil {
		return proxy.Config{}, err
	}
	config.Authenticator = authenticator

	return config, nil
}

func buildAuthenticator(opts *cliOptions) (*auth.Authenticator, error) {
	switch {
	case opts.nonAnonymous:
		return auth.NewNonAnonymous(), nil
	case opts.singleUser != "":
		user, pass, ok := splitUserPass(opts.singleUser)
		if !ok {
			return nil, fmt.Errorf("--singleuser value %q must be user:pass", opts.singleUser)
		}
		return auth.NewSingleUser(user, pass), nil
	case opts.htpasswdPath != "":
		f, err := htpasswd.Load(opts.htpasswdPath)
		if err != nil {
			return nil, fmt.Errorf("load --htpasswd file: %w", err)
		}
		return auth.NewHtpasswd(f), nil
	default:
		return nil, nil
	}
}

func splitUserPass(s string) (user, pass string, ok bool) {
	return strings.Cut(s, ":")
}
