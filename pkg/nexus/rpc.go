package nexus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/ward/pkg/metrics"
	"github.com/cuemby/ward/pkg/msg"
	"github.com/cuemby/ward/pkg/types"
)

// redirectable lists the commands that take a target node as their first
// argument and are answered with a redirect when the target is not this
// node.
var redirectable = map[string]bool{
	"start":       true,
	"stop":        true,
	"recover":     true,
	"reconfigure": true,
	"status":      true,
}

// electorCommands are only served by the node currently running the
// elector; everyone else redirects there.
var electorCommands = map[string]bool{
	"status":      true,
	"promote":     true,
	"demote":      true,
	"elect":       true,
	"failures":    true,
	"maintenance": true,
}

func errResponse(format string, args ...interface{}) msg.Response {
	return msg.Response{Values: map[string]msg.RPCValue{
		"error": msg.StringValue(fmt.Sprintf(format, args...)),
	}}
}

func okResponse(message string) msg.Response {
	return msg.Response{Values: map[string]msg.RPCValue{
		"ok":  msg.BoolValue(true),
		"msg": msg.StringValue(message),
	}}
}

func redirectResponse(name string, ep types.Endpoint) msg.Response {
	return msg.Response{Values: map[string]msg.RPCValue{
		"redirect": msg.StringValue(ep.String()),
		"node":     msg.StringValue(name),
	}}
}

// dispatch resolves one Request against the three handler pools in order:
// nexus-local, elector-only, runner-only.
func (n *Nexus) dispatch(req msg.Request, now time.Time) msg.Response {
	metrics.RPCRequestsTotal.WithLabelValues(req.Cmd).Inc()

	// Targeted commands: first argument may name another node.
	args := req.Args
	targeted := false
	if redirectable[req.Cmd] && len(args) > 0 {
		target := args[0]
		if n.isSelf(target) {
			args = args[1:]
			targeted = true
		} else if name, ep, ok := n.resolveNode(target); ok {
			return redirectResponse(name, ep)
		} else if req.Cmd != "status" {
			// status falls through to the elector pool, which can answer
			// for any runner it knows about
			return errResponse("unknown node %q", target)
		}
	}

	switch req.Cmd {
	case "local":
		return n.rpcLocal()
	case "reconfigure":
		n.reload.Store(true)
		return okResponse("reloading configuration")
	}

	if electorCommands[req.Cmd] {
		elec, on := n.currentElector()
		if !on {
			// A status request aimed at this node specifically is served
			// from local state; anything else points at the elector.
			if req.Cmd == "status" && targeted {
				return n.rpcLocal()
			}
			if id := n.cluster.ElectorId(); id != types.NilNodeId && id != n.selfId {
				if node, ok := n.cluster.FindNode(id); ok {
					if ep, ok := node.Endpoints.Preferred(); ok {
						return redirectResponse(node.Name, ep)
					}
				}
			}
			return errResponse("no elector available")
		}
		switch req.Cmd {
		case "status":
			return n.rpcStatus(elec, now)
		case "promote":
			if len(args) == 0 {
				return errResponse("promote requires a runner name or id")
			}
			if !elec.Promote(args[0]) {
				return errResponse("unknown runner %q", args[0])
			}
			return okResponse("target master set to " + args[0])
		case "demote":
			elec.Demote()
			return okResponse("master demoted, manual mode on")
		case "elect":
			elec.Elect()
			return okResponse("automatic election resumed")
		case "failures":
			return n.rpcFailures(elec)
		case "maintenance":
			if len(args) == 0 || (args[0] != "on" && args[0] != "off") {
				return errResponse("maintenance requires on|off")
			}
			on := args[0] == "on"
			elec.SetMaintenance(on)
			n.cluster.SetMaintenance(on)
			if n.run != nil {
				n.run.SetMaintenance(on)
			}
			return okResponse("maintenance " + args[0])
		}
	}

	if n.run != nil {
		switch req.Cmd {
		case "start":
			n.run.Start()
			return okResponse("runner enabled")
		case "stop":
			n.run.Stop()
			return okResponse("runner disabled")
		case "recover":
			n.run.Recover()
			return okResponse("failure state cleared")
		}
	} else {
		switch req.Cmd {
		case "start", "stop", "recover":
			return errResponse("this node is not a runner")
		}
	}

	return errResponse("unknown command %q", req.Cmd)
}

func (n *Nexus) isSelf(target string) bool {
	return target == n.selfName || target == n.selfId.String()
}

// resolveNode finds a node's endpoint by name or id, searching the
// elector's runner table first (it has the freshest endpoints), then the
// cluster peer table.
func (n *Nexus) resolveNode(target string) (string, types.Endpoint, bool) {
	if elec, on := n.currentElector(); on {
		if rr, ok := elec.FindRunner(target); ok {
			if ep, ok := rr.Endpoints.Preferred(); ok {
				return rr.Name, ep, true
			}
		}
	}

	if node, ok := n.cluster.FindByName(target); ok {
		if ep, ok := node.Endpoints.Preferred(); ok {
			return node.Name, ep, true
		}
	}
	if id, err := types.ParseNodeId(target); err == nil {
		if node, ok := n.cluster.FindNode(id); ok {
			if ep, ok := node.Endpoints.Preferred(); ok {
				return node.Name, ep, true
			}
		}
	}
	return "", types.Endpoint{}, false
}

func (n *Nexus) rpcLocal() msg.Response {
	values := map[string]msg.RPCValue{
		"name":    msg.StringValue(n.selfName),
		"id":      msg.UUIDValue(n.selfId),
		"port":    msg.IntValue(int32(n.tr.LocalPort())),
		"mode":    msg.StringValue(n.cluster.Mode().String()),
		"elector": msg.BoolValue(n.cfg.Node.Elector),
		"runner":  msg.BoolValue(n.cfg.Node.Runner),
	}
	if n.run != nil {
		values["state"] = msg.StringValue(n.run.State().String())
		values["enabled"] = msg.BoolValue(n.run.Enabled())
		values["services"] = msg.StringListValue(n.serviceLines())
	}
	return msg.Response{Values: values}
}

func (n *Nexus) serviceLines() []string {
	var out []string
	for _, s := range n.super.Services() {
		line := fmt.Sprintf("%s %s", s.Name, s.State)
		if s.Failed {
			line += " (failed)"
		}
		out = append(out, line)
	}
	return out
}

func (n *Nexus) rpcStatus(elec electorView, now time.Time) msg.Response {
	values := map[string]msg.RPCValue{
		"name":    msg.StringValue(n.selfName),
		"id":      msg.UUIDValue(n.selfId),
		"quorum":  msg.BoolValue(n.hasQuorum()),
		"manual":  msg.BoolValue(elec.Manual()),
		"uptime":  msg.IntValue(int32(elec.Uptime(now) / time.Second)),
		"peers":   msg.StringListValue(n.peerLines()),
		"runners": msg.StringListValue(runnerLines(elec.Runners())),
	}

	masterId := elec.MasterId()
	values["master_id"] = msg.UUIDValue(masterId)
	if masterId != types.NilNodeId {
		if rr, ok := elec.FindRunner(masterId.String()); ok {
			values["master_name"] = msg.StringValue(rr.Name)
			values["master_seen"] = msg.TimeValue(rr.LastSeen)
		}
	}
	return msg.Response{Values: values}
}

// electorView is the read surface rpcStatus needs; the concrete elector
// satisfies it.
type electorView interface {
	MasterId() types.NodeId
	Manual() bool
	Uptime(now time.Time) time.Duration
	Runners() []types.RunnerRecord
	FindRunner(nameOrId string) (types.RunnerRecord, bool)
	Failures() []types.FailureRecord
}

func (n *Nexus) peerLines() []string {
	nodes := n.cluster.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	out := make([]string, 0, len(nodes)+1)
	out = append(out, fmt.Sprintf("%s %s %s (self)", n.selfId, n.selfName, n.cluster.Mode()))
	for _, node := range nodes {
		ep := ""
		if e, ok := node.Endpoints.Preferred(); ok {
			ep = e.String()
		}
		out = append(out, fmt.Sprintf("%s %s %s %s", node.Id, node.Name, node.Flags, ep))
	}
	return out
}

func runnerLines(runners []types.RunnerRecord) []string {
	sort.Slice(runners, func(i, j int) bool { return runners[i].Name < runners[j].Name })
	out := make([]string, 0, len(runners))
	for _, rr := range runners {
		var svcs []string
		for _, s := range rr.Services {
			svcs = append(svcs, fmt.Sprintf("%s:%s", s.Name, s.State))
		}
		line := fmt.Sprintf("%s %s %s %s uptime=%ds", rr.Id, rr.Name, rr.State, rr.Mode, rr.Uptime/time.Second)
		if len(svcs) > 0 {
			line += " [" + strings.Join(svcs, " ") + "]"
		}
		out = append(out, line)
	}
	return out
}

func (n *Nexus) rpcFailures(elec electorView) msg.Response {
	failures := elec.Failures()
	lines := make([]string, 0, len(failures))
	for _, f := range failures {
		lines = append(lines, fmt.Sprintf("%s %s %s", f.Time.Format(time.RFC3339), f.Name, f.Id))
	}
	return msg.Response{Values: map[string]msg.RPCValue{
		"failures": msg.StringListValue(lines),
	}}
}
