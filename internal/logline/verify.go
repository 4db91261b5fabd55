package logline

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/loglineproject/logline/internal/report"
)

// Verify checks a report file's signature against the configured public key
// and prints the verdict. A missing or mismatching signature is an error, so
// the exit code alone tells scripts whether the report is trustworthy.
func (a *App) Verify(reportFile string) error {
	publicKeyFile := a.Params.Config.Report.PublicKeyFile
	if publicKeyFile == "" {
		return errors.New("no public key configured; set report.publicKeyFile")
	}
	publicKey, err := report.LoadPublicKey(publicKeyFile)
	if err != nil {
		return err
	}
	signed, err := report.Read(reportFile)
	if err != nil {
		return err
	}
	if err := report.Verify(signed, publicKey); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "report %s verified: content matches its signature\n", signed.Report.ReportID)
	return nil
}
