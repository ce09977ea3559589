// Package main provides wfctl, a command-line client for workflow definitions
// and approval requests. It talks to the master-data API directly with the
// caller's bearer token.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/httpclient"
	"github.com/pesio-ai/be-plt-workflows/internal/session"
)

var version = "dev"

// cliEnv is the resolved global configuration of one invocation.
type cliEnv struct {
	api    *client.WorkflowsClient
	sess   session.Session
	output outputFormat
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	env := &cliEnv{}

	rootCmd := &cobra.Command{
		Use:   "wfctl",
		Short: "Inspect workflows and act on approval requests",
		Long: `wfctl lists workflows and their approval steps, shows workflow requests
with the caller's approval availability and submits approve/reject decisions.

Every flag can also be set through the environment as WFCTL_<FLAG>, for
example WFCTL_TOKEN or WFCTL_API_URL.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.load(v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api-url", "http://localhost:8080", "Master-data API base URL")
	flags.String("token", "", "Bearer token")
	flags.String("org", "", "Organization id")
	flags.String("role", "", "Organization role id used for approval availability")
	flags.String("user", "", "User id (informational)")
	flags.Duration("timeout", 20*time.Second, "Request timeout")
	flags.StringP("output", "o", "table", "Output format: table, json, yaml")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("WFCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(newWorkflowsCmd(env))
	rootCmd.AddCommand(newStepsCmd(env))
	rootCmd.AddCommand(newRequestsCmd(env))

	return rootCmd
}

func (e *cliEnv) load(v *viper.Viper) error {
	format, err := parseOutputFormat(v.GetString("output"))
	if err != nil {
		return err
	}
	e.output = format
	e.sess = session.Session{
		OrganizationID: v.GetString("org"),
		Token:          v.GetString("token"),
		UserID:         v.GetString("user"),
		RoleID:         v.GetString("role"),
	}
	if err := e.sess.Validate(); err != nil {
		return fmt.Errorf("--org and --token are required: %w", err)
	}
	e.api = client.NewWorkflowsClient(httpclient.NewClient(v.GetString("api-url"),
		httpclient.WithTimeout(v.GetDuration("timeout")),
	))
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
