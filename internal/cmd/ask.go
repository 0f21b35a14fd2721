package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/stream"
)

// NewAskCommand builds the ask subcommand: send one message to a running
// service and print the streamed answer.
func NewAskCommand() *cobra.Command {
	var (
		serverURL string
		principal string
		showSteps bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send a message to a running service",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			return ask(cmd.OutOrStdout(), serverURL, principal, message, showSteps, asJSON)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "service base URL")
	cmd.Flags().StringVar(&principal, "principal", "cli", "principal the run executes as")
	cmd.Flags().BoolVar(&showSteps, "steps", false, "print the step tree after the answer")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the aggregate response as JSON")
	return cmd
}

func ask(out io.Writer, serverURL, principal, message string, showSteps, asJSON bool) error {
	body, err := json.Marshal(map[string]string{
		"message":   message,
		"principal": principal,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	consumer := stream.NewConsumer()
	r := stream.NewFrameReader(resp.Body)
	stepColor := color.New(color.FgCyan)
	errColor := color.New(color.FgRed)

	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			consumer.Finalize()
			return fmt.Errorf("read stream: %w", err)
		}
		consumer.Apply(*ev)
		if asJSON {
			continue
		}
		switch ev.Type {
		case core.EventNodeStart:
			if ev.NodeName != "" {
				stepColor.Fprintf(os.Stderr, "▸ %s\n", ev.NodeName)
			}
		case core.EventToken:
			if isAnswerToken(ev) {
				fmt.Fprint(out, ev.Content)
			}
		case core.EventError:
			errColor.Fprintf(os.Stderr, "error: %s\n", ev.Content)
		}
	}
	consumer.Finalize()
	result := consumer.Response()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintln(out)
	if showSteps {
		fmt.Fprintln(out)
		printTree(out, result.Steps, 0)
	}
	if result.Err != "" {
		return fmt.Errorf("%s", result.Err)
	}
	return nil
}

// isAnswerToken reports whether a token carries final-answer text rather
// than intermediate node output.
func isAnswerToken(ev *core.Event) bool {
	if ev.NodeID == "" {
		return true
	}
	name := ev.NodeID
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return strings.HasPrefix(name, "synthesis")
}

func printTree(w io.Writer, steps []*stream.Step, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, step := range steps {
		var marker string
		switch step.Status {
		case stream.StepFailed:
			marker = color.RedString("✘")
		case stream.StepRunning:
			marker = color.YellowString("…")
		default:
			marker = color.GreenString("✔")
		}
		fmt.Fprintf(w, "%s%s %s\n", indent, marker, step.Name)
		if step.Error != "" {
			fmt.Fprintf(w, "%s  %s\n", indent, color.RedString(step.Error))
		}
		printTree(w, step.Children, depth+1)
	}
}
