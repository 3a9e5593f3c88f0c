package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
)

type uploadFlags struct {
	server      string
	key         string
	report      string
	shotsDir    string
	build       string
	job         string
	branch      string
	commit      string
	os          string
	rustVersion string
	url         string
	caCert      string
	timeout     time.Duration
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	var flags uploadFlags

	cmd := &cobra.Command{
		Use:   "eltrur-upload",
		Short: "Upload a test report and its screenshots to Eltrur",
		Long: `Uploads the report of one CI job to an Eltrur server.

The report has one line per test in the form <test>/<ok|fail>/<screenshot>.
Every screenshot named in the report is read from --shots-dir; missing files
are reported and skipped. Uploading the same build and job again replaces
the previous upload.

Flags default to ELTRUR_* environment variables, which may also come from a
.env file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpload(cmd, &flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.server, "server", envOr("ELTRUR_SERVER", "http://localhost:8080"), "Eltrur server base URL")
	f.StringVar(&flags.key, "key", os.Getenv("ELTRUR_UPLOAD_KEY"), "Upload key shared with the server")
	f.StringVar(&flags.report, "report", envOr("ELTRUR_REPORT", "report.txt"), "Path of the test report")
	f.StringVar(&flags.shotsDir, "shots-dir", envOr("ELTRUR_SHOTS_DIR", "."), "Directory holding the screenshots")
	f.StringVar(&flags.build, "build", os.Getenv("ELTRUR_BUILD"), "CI build identifier")
	f.StringVar(&flags.job, "job", os.Getenv("ELTRUR_JOB"), "CI job identifier")
	f.StringVar(&flags.branch, "branch", os.Getenv("ELTRUR_BRANCH"), "Branch that was built")
	f.StringVar(&flags.commit, "commit", os.Getenv("ELTRUR_COMMIT"), "Commit that was built")
	f.StringVar(&flags.os, "os", envOr("ELTRUR_OS", runtime.GOOS), "Operating system of the job")
	f.StringVar(&flags.rustVersion, "rust-version", os.Getenv("ELTRUR_RUST_VERSION"), "Toolchain version of the job")
	f.StringVar(&flags.url, "url", os.Getenv("ELTRUR_URL"), "Link to the CI job")
	f.StringVar(&flags.caCert, "ca-cert", os.Getenv("ELTRUR_CA_CERT"), "PEM certificate to trust for a self-signed server")
	f.DurationVar(&flags.timeout, "timeout", 2*time.Minute, "Upload timeout")

	return cmd
}

func runUpload(cmd *cobra.Command, flags *uploadFlags) error {
	if flags.key == "" {
		return errors.New("--key (or ELTRUR_UPLOAD_KEY) is required")
	}
	if flags.build == "" || flags.job == "" {
		return errors.New("--build and --job (or ELTRUR_BUILD and ELTRUR_JOB) are required")
	}

	client, err := newHTTPClient(flags.caCert, flags.timeout)
	if err != nil {
		return err
	}

	up, err := prepareUpload(flags)
	if err != nil {
		return err
	}
	for _, name := range up.missing {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: screenshot %q not found in %s, skipping\n", name, flags.shotsDir)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()
	location, err := up.send(ctx, client, flags.server)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", trimSlash(flags.server), location)
	return nil
}

// newHTTPClient trusts caCertPath in addition to the system roots when set.
func newHTTPClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	if caCertPath == "" {
		return &http.Client{Timeout: timeout}, nil
	}
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading server certificate file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in %s", caCertPath)
	}
	tr := &http.Transport{
		// Use the certificate pool to validate the server's certificate.
		TLSClientConfig: &tls.Config{RootCAs: pool},
	}
	return &http.Client{Timeout: timeout, Transport: tr}, nil
}
