package main

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/ward/pkg/config"
	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
	"github.com/spf13/cobra"
)

var (
	flagHost    string
	flagPort    uint16
	flagSecret  string
	flagCluster uint8
	flagColor   bool
	flagDebug   bool
	flagTimeout time.Duration
	flagFile    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wardctl",
	Short: "Operator CLI for the ward cluster coordinator",
	Long: `wardctl talks to a running wardd node over the same authenticated UDP
protocol the cluster itself uses, and follows redirects when a command
targets a different node.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagHost, "host", "127.0.0.1", "node address to contact")
	pf.Uint16Var(&flagPort, "port", types.DefaultPort, "node UDP port")
	pf.StringVar(&flagSecret, "secret", "", "cluster password")
	pf.Uint8Var(&flagCluster, "id", 0, "cluster id")
	pf.BoolVar(&flagColor, "color", false, "colorize output")
	pf.BoolVar(&flagDebug, "debug", false, "print wire-level details")
	pf.DurationVar(&flagTimeout, "timeout", 5*time.Second, "response wait time")
	pf.StringVar(&flagFile, "file", "", "read cluster settings (port, id, secret) from a wardd configuration file")

	rootCmd.AddCommand(
		simpleCmd("local", "Show the contacted node's local state", 0, 0),
		simpleCmd("status", "Show cluster status as seen by the elector", 0, 1),
		treeCmd(),
		simpleCmd("reconfigure", "Ask a node to reload its configuration", 0, 1),
		simpleCmd("maintenance", "Toggle cluster maintenance mode (on|off)", 1, 1),
		simpleCmd("promote", "Manually select the master runner", 1, 1),
		simpleCmd("demote", "Clear the master and enter manual mode", 0, 0),
		simpleCmd("elect", "Resume automatic master election", 0, 0),
		simpleCmd("start", "Enable a node's runner", 0, 1),
		simpleCmd("stop", "Disable a node's runner", 0, 1),
		simpleCmd("recover", "Clear a node's failure state", 0, 1),
		simpleCmd("failures", "Show the elector's recent failure log", 0, 0),
	)
}

func simpleCmd(name, short string, minArgs, maxArgs int) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.RangeArgs(minArgs, maxArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, from, err := call(name, args)
			if err != nil {
				return err
			}
			render(resp, from)
			if _, failed := resp.Values["error"]; failed {
				os.Exit(1)
			}
			return nil
		},
	}
}

func treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the cluster as a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, _, err := call("status", nil)
			if err != nil {
				return err
			}
			if e, failed := resp.Values["error"]; failed {
				fmt.Println(paint("error: "+e.S, colorRed))
				os.Exit(1)
			}
			renderTree(resp)
			return nil
		},
	}
}

func call(cmd string, args []string) (msg.Response, types.Endpoint, error) {
	host, port, secret, clusterId := flagHost, flagPort, flagSecret, flagCluster
	if flagFile != "" {
		cfg, err := config.Load(flagFile)
		if err != nil {
			return msg.Response{}, types.Endpoint{}, err
		}
		if port == types.DefaultPort {
			port = cfg.Node.Port
		}
		if secret == "" {
			secret = cfg.Cluster.Password
		}
		if clusterId == 0 {
			clusterId = cfg.Cluster.Id
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return msg.Response{}, types.Endpoint{}, fmt.Errorf("invalid host %q (hostnames are not accepted)", host)
	}
	ep := types.Endpoint{IP: ip, Port: port}

	client := NewClient(clusterId, secret, flagTimeout)
	if flagDebug {
		fmt.Fprintf(os.Stderr, "-> %s %s %v\n", ep, cmd, args)
	}
	return client.Call(ep, cmd, args)
}

const (
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorReset = "\x1b[0m"
)

func paint(s, color string) string {
	if !flagColor {
		return s
	}
	return color + s + colorReset
}

// render prints a response as sorted key/value lines, expanding lists
// one entry per line.
func render(resp msg.Response, from types.Endpoint) {
	if flagDebug {
		fmt.Fprintf(os.Stderr, "<- %s\n", from)
	}

	keys := make([]string, 0, len(resp.Values))
	for k := range resp.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := resp.Values[k]
		switch v.Kind {
		case msg.RPCStringList:
			fmt.Printf("%s:\n", k)
			for _, line := range v.List {
				fmt.Printf("  %s\n", line)
			}
		default:
			line := fmt.Sprintf("%s: %s", k, formatValue(v))
			switch k {
			case "error":
				line = paint(line, colorRed)
			case "ok":
				line = paint(line, colorGreen)
			}
			fmt.Println(line)
		}
	}
}

func formatValue(v msg.RPCValue) string {
	switch v.Kind {
	case msg.RPCBool:
		return fmt.Sprintf("%t", v.B)
	case msg.RPCInt:
		return fmt.Sprintf("%d", v.I)
	case msg.RPCString:
		return v.S
	case msg.RPCUUID:
		return v.U.String()
	case msg.RPCStringList:
		return strings.Join(v.List, ", ")
	case msg.RPCBytes:
		return fmt.Sprintf("%x", v.Data)
	case msg.RPCTime:
		return v.T.Format(time.RFC3339)
	default:
		return "?"
	}
}

// renderTree draws the status response as a cluster hierarchy.
func renderTree(resp msg.Response) {
	fmt.Printf("%s (elector)\n", resp.Values["name"].S)

	master := "none"
	if m, ok := resp.Values["master_name"]; ok {
		master = m.S
	}
	fmt.Printf("├─ master: %s\n", paint(master, colorGreen))

	if runners, ok := resp.Values["runners"]; ok {
		fmt.Println("├─ runners")
		for i, line := range runners.List {
			branch := "│  ├─"
			if i == len(runners.List)-1 {
				branch = "│  └─"
			}
			fmt.Printf("%s %s\n", branch, line)
		}
	}
	if peers, ok := resp.Values["peers"]; ok {
		fmt.Println("└─ peers")
		for i, line := range peers.List {
			branch := "   ├─"
			if i == len(peers.List)-1 {
				branch = "   └─"
			}
			fmt.Printf("%s %s\n", branch, line)
		}
	}
}
