package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"pvfexec/internal/cli/command"
	httpclient "pvfexec/internal/cli/http"
	pkgerrors "pvfexec/pkg/errors"

	"github.com/google/shlex"
)

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	prettyJSON   bool
	lastTraceID  string
	input        *bufio.Reader
	outputWriter *bufio.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, prettyJSON bool, in io.Reader, out io.Writer) *Session {
	return &Session{
		client:       client,
		commands:     commands,
		prettyJSON:   prettyJSON,
		input:        bufio.NewReader(in),
		outputWriter: bufio.NewWriter(out),
	}
}

// Run reads commands until exit or end of input.
func (s *Session) Run(ctx context.Context) {
	for {
		_, _ = s.outputWriter.WriteString("pvf> ")
		_ = s.outputWriter.Flush()
		line, err := s.input.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if s.handleSystemCommand(line) {
			continue
		}

		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout|pretty")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8095")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 60s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "pretty":
		if len(parts) < 2 || (parts[1] != "on" && parts[1] != "off") {
			s.printLine("usage: set pretty on|off")
			return
		}
		s.prettyJSON = parts[1] == "on"
		s.printLine("pretty set to %s", parts[1])
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("timeout: %s", s.client.Timeout())
		s.printLine("pretty: %t", s.prettyJSON)
	case "trace":
		if s.lastTraceID == "" {
			s.printLine("trace: <empty>")
			return
		}
		s.printLine("trace: %s", s.lastTraceID)
	default:
		s.printLine("usage: show config|trace")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) < 2 {
		return fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	service := tokens[0]
	action := tokens[1]
	key := fmt.Sprintf("%s %s", service, action)
	cmd, ok := s.commands[key]
	if !ok {
		return fmt.Errorf("unknown command: %s %s", service, action)
	}
	params := command.Params{}
	for _, token := range tokens[2:] {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}

	applyParamShortcuts(params)
	if err := s.promptMissing(&cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return err
	}
	if traceID := resp.TraceID(); traceID != "" {
		s.lastTraceID = traceID
	}
	s.renderResponse(cmd, resp)
	return nil
}

func applyParamShortcuts(params command.Params) {
	if params.Get("params_file") != "" && params.Get("params_json") == "" {
		params.Set("params_json", "_file_")
	}
}

func (s *Session) promptMissing(cmd *command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required {
			continue
		}
		if params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(prompt string) (string, error) {
	s.printLine("%s:", prompt)
	line, err := s.input.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(cmd command.Command, resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if summary := summarize(cmd, resp.Body); summary != "" {
		s.printLine("%s", summary)
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

// summarize extracts a one line outcome from validate and precheck responses.
func summarize(cmd command.Command, body []byte) string {
	if cmd.Service != "pvf" {
		return ""
	}
	type outcome struct {
		Verdict string `json:"verdict"`
		OK      *bool  `json:"ok"`
		Reason  string `json:"reason"`
	}
	type respEnvelope struct {
		Code int     `json:"code"`
		Data outcome `json:"data"`
	}
	var resp respEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	if resp.Code != int(pkgerrors.Success) {
		return ""
	}
	var line string
	switch cmd.Action {
	case "validate":
		line = "verdict: " + resp.Data.Verdict
	case "precheck":
		if resp.Data.OK == nil {
			return ""
		}
		line = fmt.Sprintf("precheck ok: %t", *resp.Data.OK)
	default:
		return ""
	}
	if resp.Data.Reason != "" {
		line += " (" + resp.Data.Reason + ")"
	}
	return line
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> key=value ...")
	s.printLine("system: help | exit | set base|timeout|pretty | show config|trace")
	s.printLine("examples:")
	s.printLine("  pvf validate code=./parachain.wasm block_data_file=./pov.bin parent_head=0x00 exec_kind=approval")
	s.printLine("  pvf precheck code=./parachain.wasm params_json='[{\"kind\":\"max_memory_pages\",\"value\":2048}]'")
	s.printLine("  host health")
	s.printLine("  host metrics")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
