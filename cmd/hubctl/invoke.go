package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type invokeOptions struct {
	state     []string
	timeout   time.Duration
	showState bool
}

func newInvokeCommand() *cobra.Command {
	var o invokeOptions
	cmd := &cobra.Command{
		Use:   "invoke METHOD [ARG...]",
		Short: "Invoke a hub method and print its result",
		Long: `Invoke a hub method and print its JSON result.

Each ARG is parsed as JSON; anything that is not valid JSON is sent as a string.
--state name=JSON seeds the ambient state sent with the invocation.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(cmd.Context(), cmd.OutOrStdout(), args[0], args[1:], o)
		},
	}
	cmd.Flags().StringArrayVar(&o.state, "state", nil, "ambient state entry name=JSON (repeatable)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "time to wait for the response")
	cmd.Flags().BoolVar(&o.showState, "show-state", false, "print the ambient state after the response")
	return cmd
}

// parseArgs turns command-line words into JSON tokens.
func parseArgs(words []string) []any {
	out := make([]any, 0, len(words))
	for _, w := range words {
		if json.Valid([]byte(w)) {
			out = append(out, json.RawMessage(w))
			continue
		}
		out = append(out, w)
	}
	return out
}

func parseState(entries []string) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	for _, e := range entries {
		name, value, ok := strings.Cut(e, "=")
		if !ok || name == "" {
			return nil, errors.Errorf("state entry %q must be name=JSON", e)
		}
		if !json.Valid([]byte(value)) {
			b, _ := json.Marshal(value)
			value = string(b)
		}
		out[name] = json.RawMessage(value)
	}
	return out, nil
}

func runInvoke(ctx context.Context, out io.Writer, method string, words []string, o invokeOptions) error {
	state, err := parseState(o.state)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	conn, runErr, err := dial(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
		<-runErr
	}()

	proxy, err := conn.Proxy(appConfig.Hub)
	if err != nil {
		return err
	}
	for name, v := range state {
		if err := proxy.Set(name, v); err != nil {
			return err
		}
	}

	f, err := proxy.Invoke(ctx, method, parseArgs(words))
	if err != nil {
		return err
	}
	result, err := f.Wait(context.Background())
	if err != nil {
		return err
	}

	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if _, err := fmt.Fprintln(out, string(result)); err != nil {
		return err
	}
	if o.showState {
		b, err := json.MarshalIndent(proxy.State(), "", "  ")
		if err != nil {
			return errors.Wrap(err, "marshal state")
		}
		if _, err := fmt.Fprintln(out, string(b)); err != nil {
			return err
		}
	}
	return nil
}
