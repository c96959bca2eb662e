package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
)

// decisionFunc resolves one blocked tool call.
type decisionFunc func(sessionID, toolID string, typ permission.Type, serverName string) error

// permissionDecider answers permission prompts on its own goroutine so a
// slow terminal answer never stalls event consumption, which would drop
// streamed deltas once subscriber buffers fill.
type permissionDecider struct {
	in    *bufio.Reader
	out   io.Writer
	grant decisionFunc
	deny  decisionFunc
	yes   bool            // approve everything without asking
	scope permission.Type // auto-approve requests this type covers
	reqs  chan chatevent.PermissionRequiredEvent
	done  chan struct{}
}

func newPermissionDecider(in io.Reader, out io.Writer, grant, deny decisionFunc, yes bool, scope permission.Type) *permissionDecider {
	d := &permissionDecider{
		in:    bufio.NewReader(in),
		out:   out,
		grant: grant,
		deny:  deny,
		yes:   yes,
		scope: scope,
		reqs:  make(chan chatevent.PermissionRequiredEvent, 16),
		done:  make(chan struct{}),
	}
	go d.loop()
	return d
}

// submit hands one prompt to the decider.
func (d *permissionDecider) submit(e chatevent.PermissionRequiredEvent) {
	d.reqs <- e
}

// close stops the decider once submitted prompts drain. It does not wait:
// a prompt already blocked on the terminal holds the goroutine until the
// process exits.
func (d *permissionDecider) close() {
	close(d.reqs)
}

func (d *permissionDecider) loop() {
	defer close(d.done)
	for e := range d.reqs {
		if err := d.decide(e); err != nil {
			fmt.Fprintf(d.out, "permission decision failed: %v\n", err)
		}
	}
}

// decide approves or rejects one blocked tool call, asking on the
// terminal unless the request is pre-approved by flag or scope.
func (d *permissionDecider) decide(e chatevent.PermissionRequiredEvent) error {
	typ := permission.Type(e.Permission.Type)

	if d.yes || (d.scope != "" && d.scope.Covers(typ)) {
		return d.grant(e.SessionID, e.ToolID, typ, e.Permission.ServerName)
	}

	fmt.Fprintf(d.out, "\n[permission] %s wants %s access", e.ToolName, e.Permission.Type)
	if e.Permission.Command != "" {
		fmt.Fprintf(d.out, ": %s", e.Permission.Command)
	}
	if len(e.Permission.Paths) > 0 {
		fmt.Fprintf(d.out, " (%s)", strings.Join(e.Permission.Paths, ", "))
	}
	fmt.Fprint(d.out, ", allow? [y/N] ")

	line, err := d.in.ReadString('\n')
	if err != nil {
		return d.deny(e.SessionID, e.ToolID, typ, e.Permission.ServerName)
	}
	if strings.EqualFold(strings.TrimSpace(line), "y") {
		return d.grant(e.SessionID, e.ToolID, typ, e.Permission.ServerName)
	}
	return d.deny(e.SessionID, e.ToolID, typ, e.Permission.ServerName)
}
