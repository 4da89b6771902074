// Command coeditctl administers a cluster of coedit nodes over their
// admin HTTP endpoints.
//
// Every request carries a short-lived admin token signed with the shared
// auth secret, read from the same configuration the nodes use:
//
//	coeditctl -c coedit.yaml --node http://10.0.0.1:8080 registry
//	coeditctl -c coedit.yaml --node http://a:8080 --node http://b:8080 disable
//	coeditctl -c coedit.yaml --node http://a:8080 item update articles 1 --record '{"title":"x"}'
//	coeditctl -c coedit.yaml token --user alice --role editor
//
// enable and disable are per node, so they fan out to every --node
// concurrently. registry and item go to the first node only: the registry
// is shared and item events reach remote rooms through the bus.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/auth"
	"github.com/dreamware/coedit/internal/cluster"
	"github.com/dreamware/coedit/internal/collab"
	"github.com/dreamware/coedit/internal/config"
)

const requestTimeout = 5 * time.Second

// cli holds the global flags shared by every subcommand.
type cli struct {
	configFile string
	nodes      []string
	tokenTTL   time.Duration
	out        io.Writer
}

// adminToken signs a short-lived admin token with the configured secret.
func (c *cli) adminToken() (string, error) {
	a, err := c.authenticator()
	if err != nil {
		return "", err
	}
	return a.Issue(access.Accountability{User: "coeditctl", Admin: true}, c.tokenTTL)
}

// authenticator reads only auth.secret; the rest of the node
// configuration need not be valid on an admin workstation.
func (c *cli) authenticator() (*auth.Authenticator, error) {
	v, err := config.New(c.configFile)
	if err != nil {
		return nil, err
	}
	secret := v.GetString("auth.secret")
	if secret == "" {
		return nil, errors.New("auth.secret is not configured")
	}
	return auth.NewAuthenticator(secret), nil
}

func (c *cli) firstNode() (string, error) {
	if len(c.nodes) == 0 {
		return "", errors.New("at least one --node is required")
	}
	return strings.TrimRight(c.nodes[0], "/"), nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// nodeResult is the outcome of a fanned out request to one node.
type nodeResult struct {
	Node    string `json:"node"`
	Enabled *bool  `json:"enabled,omitempty"`
	Err     string `json:"err,omitempty"`
}

// setEnabled flips the collaboration switch on every node concurrently.
// A failing node does not stop the others; the error lists all failures.
func (c *cli) setEnabled(ctx context.Context, enabled bool) error {
	if len(c.nodes) == 0 {
		return errors.New("at least one --node is required")
	}
	token, err := c.adminToken()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	results := make([]nodeResult, len(c.nodes))
	var g errgroup.Group
	for i, node := range c.nodes {
		node = strings.TrimRight(node, "/")
		g.Go(func() error {
			var body struct {
				Enabled *bool `json:"enabled"`
			}
			err := cluster.PutJSON(ctx, node+"/collab/enabled",
				map[string]bool{"enabled": enabled}, &body, cluster.WithBearer(token))
			results[i] = nodeResult{Node: node, Enabled: body.Enabled}
			if err != nil {
				results[i].Err = err.Error()
				return fmt.Errorf("%s: %w", node, err)
			}
			return nil
		})
	}
	err = g.Wait()
	if perr := c.print(results); perr != nil {
		return perr
	}
	if err != nil {
		failed := 0
		for _, r := range results {
			if r.Err != "" {
				failed++
			}
		}
		return fmt.Errorf("%d of %d nodes failed: %w", failed, len(results), err)
	}
	return nil
}

func (c *cli) registry(ctx context.Context) error {
	node, err := c.firstNode()
	if err != nil {
		return err
	}
	token, err := c.adminToken()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var out json.RawMessage
	if err := cluster.GetJSON(ctx, node+"/registry", &out, cluster.WithBearer(token)); err != nil {
		return fmt.Errorf("fetch registry: %w", err)
	}
	var pretty any
	if err := json.Unmarshal(out, &pretty); err != nil {
		return fmt.Errorf("decode registry: %w", err)
	}
	return c.print(pretty)
}

func (c *cli) itemEvent(ctx context.Context, event collab.ItemEvent) error {
	node, err := c.firstNode()
	if err != nil {
		return err
	}
	token, err := c.adminToken()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := cluster.PostJSON(ctx, node+"/items", event, nil, cluster.WithBearer(token)); err != nil {
		return fmt.Errorf("send item event: %w", err)
	}
	glog.V(1).Infof("applied %s on %s/%v via %s", event.Action, event.Collection, event.Keys, node)
	return nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	cmd := &cobra.Command{
		Use:           "coeditctl",
		Short:         "Administer coedit nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = flag.CommandLine.Parse(nil)
		},
	}
	addFlags(cmd.PersistentFlags(), c)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "registry",
			Short: "Show live nodes with their clients and rooms",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.registry(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "enable",
			Short: "Enable collaboration on every --node",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.setEnabled(cmd.Context(), true)
			},
		},
		&cobra.Command{
			Use:   "disable",
			Short: "Disable collaboration on every --node, closing its rooms",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.setEnabled(cmd.Context(), false)
			},
		},
		newItemCmd(c),
		newTokenCmd(c),
	)
	return cmd
}

func newItemCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Report record writes made outside collaboration",
	}

	var record string
	update := &cobra.Command{
		Use:   "update <collection> <key>...",
		Short: "Report saved records",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			event := collab.ItemEvent{Action: "update", Collection: args[0], Keys: args[1:]}
			if record != "" {
				if err := json.Unmarshal([]byte(record), &event.Record); err != nil {
					return fmt.Errorf("--record must be a JSON object: %w", err)
				}
			}
			return c.itemEvent(cmd.Context(), event)
		},
	}
	update.Flags().StringVar(&record, "record", "", "saved field values as a JSON object")

	del := &cobra.Command{
		Use:   "delete <collection> <key>...",
		Short: "Report deleted records",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.itemEvent(cmd.Context(), collab.ItemEvent{
				Action: "delete", Collection: args[0], Keys: args[1:],
			})
		},
	}

	cmd.AddCommand(update, del)
	return cmd
}

func newTokenCmd(c *cli) *cobra.Command {
	var (
		acct access.Accountability
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a websocket client",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if acct.User == "" {
				return errors.New("--user is required")
			}
			a, err := c.authenticator()
			if err != nil {
				return err
			}
			token, err := a.Issue(acct, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, token)
			return err
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&acct.User, "user", "", "subject of the token")
	fs.StringVar(&acct.Role, "role", "", "role granting collection permissions")
	fs.StringVar(&acct.Share, "share", "", "share link id, for public share sessions")
	fs.BoolVar(&acct.Admin, "admin", false, "grant admin access")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// addFlags registers the global flags and glog's flags.
func addFlags(fs *pflag.FlagSet, c *cli) {
	fs.StringVarP(&c.configFile, "config", "c", "", "config file (YAML) holding auth.secret")
	fs.StringArrayVar(&c.nodes, "node", nil, "node base URL, repeatable")
	fs.DurationVar(&c.tokenTTL, "admin-ttl", time.Minute, "lifetime of the admin token sent to nodes")
	fs.AddGoFlagSet(flag.CommandLine)
}

func main() {
	defer glog.Flush()
	if err := newRootCmd(os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "coeditctl:", err)
		glog.Flush()
		os.Exit(1)
	}
}
