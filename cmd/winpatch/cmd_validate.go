package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/winpatch/internal/patching"
	"github.com/breeze-rmm/winpatch/internal/security"
	"github.com/breeze-rmm/winpatch/internal/verify"
)

var (
	valSource       string
	valPrevious     string
	valExpected     string
	valExpectedHash string
	valVersion      string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run post-update or security validation for a package",
}

// lookupSource returns the enabled source named by flag.
func lookupSource(flag string) (patching.PackageSource, patching.Source, error) {
	id, err := patching.ParseSource(flag)
	if err != nil {
		return nil, "", err
	}
	mgr, err := newManager()
	if err != nil {
		return nil, "", err
	}
	src, ok := mgr.Get(id)
	if !ok {
		return nil, "", fmt.Errorf("package source %s is not enabled", id)
	}
	return src, id, nil
}

var validateUpdateCmd = &cobra.Command{
	Use:   "update <package>",
	Short: "Check that a package reports the expected version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, id, err := lookupSource(valSource)
		if err != nil {
			return err
		}
		res := newVerifier().Validate(cmd.Context(), src, verify.Request{
			PackageName:     args[0],
			Source:          id,
			PreviousVersion: valPrevious,
			ExpectedVersion: valExpected,
		})
		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, res); err != nil {
				return err
			}
		} else {
			rows := [][]string{
				{"Package", res.PackageName},
				{"Source", string(res.Source)},
				{"Status", statusLabel(res.Success)},
				{"Method", string(res.Method)},
				{"Current", orDash(res.CurrentVersion)},
				{"Previous", orDash(res.PreviousVersion)},
				{"Expected", orDash(res.ExpectedVersion)},
				{"Message", res.Message},
			}
			if err := renderTable(out, []string{"Field", "Value"}, rows); err != nil {
				return err
			}
		}
		if !res.Success {
			return errRunFailed
		}
		return nil
	},
}

var validateSecurityCmd = &cobra.Command{
	Use:   "security <package>",
	Short: "Check the cached installer digest and signature",
	Long: `Compute the installed executable's digest and check its Authenticode signature.

The digest is compared with the hash database only when the stored record has
the same version and algorithm. A record for another version is replaced, not
compared. An update run validates the freshly upgraded version, so it records
a new hash rather than comparing one; pass --version with the current version
here to detect a file that changed in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, id, err := lookupSource(valSource)
		if err != nil {
			return err
		}
		sv, err := newSecurityValidator()
		if err != nil {
			return err
		}
		res := sv.Validate(cmd.Context(), src, security.Request{
			PackageName:  args[0],
			Source:       id,
			Version:      valVersion,
			ExpectedHash: valExpectedHash,
		})
		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, res); err != nil {
				return err
			}
		} else {
			rows := [][]string{
				{"Package", res.PackageName},
				{"Source", string(res.Source)},
				{"Status", statusLabel(res.Success)},
				{"Method", string(res.Method)},
				{"Installer", orDash(res.FilePath)},
				{"Hash", orDash(res.Hash.Hash)},
				{"Hash check", orDash(res.Hash.Message)},
				{"Signature", orDash(res.Signature.Status)},
				{"Publisher", orDash(res.Signature.Publisher)},
				{"Message", res.Message},
			}
			if err := renderTable(out, []string{"Field", "Value"}, rows); err != nil {
				return err
			}
		}
		if !res.Success {
			return errRunFailed
		}
		return nil
	},
}

func init() {
	uf := validateUpdateCmd.Flags()
	uf.StringVarP(&valSource, "source", "s", "", "package source")
	uf.StringVar(&valPrevious, "previous", "", "version installed before the update")
	uf.StringVar(&valExpected, "expected", "", "version the update should have installed")
	_ = validateUpdateCmd.MarkFlagRequired("source")

	sf := validateSecurityCmd.Flags()
	sf.StringVarP(&valSource, "source", "s", "", "package source")
	sf.StringVar(&valVersion, "version", "", "installed version; the stored hash is compared only for this version")
	sf.StringVar(&valExpectedHash, "expected-hash", "", "expected installer digest")
	_ = validateSecurityCmd.MarkFlagRequired("source")

	validateCmd.AddCommand(validateUpdateCmd, validateSecurityCmd)
	rootCmd.AddCommand(validateCmd)
}
