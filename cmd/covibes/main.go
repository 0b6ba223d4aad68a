package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/covibes/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "agent":
		err = commandAgent(args)
	case "preview":
		err = commandPreview(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Access token issued by the platform (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Access token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("an access token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.ListAgents(ctx, secret, ""); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

// session loads the saved configuration and returns a client plus token.
func session() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'covibes login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func commandAgent(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: covibes agent [spawn|list|status|stop|attach]")
	}
	sub := args[0]
	switch sub {
	case "spawn":
		return agentSpawn(args[1:])
	case "list":
		return agentList(args[1:])
	case "status":
		return agentStatus(args[1:])
	case "stop":
		return agentStop(args[1:])
	case "attach":
		return agentAttach(args[1:])
	default:
		return fmt.Errorf("unknown agent command: %s", sub)
	}
}

func agentSpawn(args []string) error {
	fs := flag.NewFlagSet("agent spawn", flag.ExitOnError)
	agentID := fs.String("agent", "", "Agent identifier (generated when empty)")
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agent, err := client.SpawnAgent(ctx, token, *agentID)
	if err != nil {
		return err
	}
	fmt.Printf("agent running: %s (owner %s)\n", agent.AgentID, agent.OwnerUserID)
	return nil
}

func agentList(args []string) error {
	fs := flag.NewFlagSet("agent list", flag.ExitOnError)
	teamID := fs.String("team", "", "Team identifier (defaults to the token's team)")
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	agents, err := client.ListAgents(ctx, token, *teamID)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		fmt.Printf("%s\t%s\t%s\t%d\t%s\n", agent.AgentID, agent.Status, agent.OwnerUserID, agent.Subscribers, agent.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func agentStatus(args []string) error {
	fs := flag.NewFlagSet("agent status", flag.ExitOnError)
	agentID := fs.String("agent", "", "Agent identifier")
	fs.Parse(args)
	if strings.TrimSpace(*agentID) == "" {
		return errors.New("--agent is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	agent, err := client.GetAgent(ctx, token, *agentID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(agent, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func agentStop(args []string) error {
	fs := flag.NewFlagSet("agent stop", flag.ExitOnError)
	agentID := fs.String("agent", "", "Agent identifier")
	fs.Parse(args)
	if strings.TrimSpace(*agentID) == "" {
		return errors.New("--agent is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.StopAgent(ctx, token, *agentID); err != nil {
		return err
	}
	fmt.Println("agent stopped")
	return nil
}

func commandPreview(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: covibes preview [status|url]")
	}
	fs := flag.NewFlagSet("preview "+args[0], flag.ExitOnError)
	teamID := fs.String("team", "", "Team identifier")
	fs.Parse(args[1:])
	if strings.TrimSpace(*teamID) == "" {
		return errors.New("--team is required")
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	switch args[0] {
	case "url":
		fmt.Println(client.PreviewURL(*teamID))
		return nil
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		dep, err := client.GetDeployment(ctx, token, *teamID)
		if err != nil {
			return err
		}
		checked := "never"
		if dep.LastHealthCheck != nil {
			checked = dep.LastHealthCheck.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\tready=%t\tlast_health_check=%s\n", dep.TeamID, dep.Status, dep.Ready, checked)
		return nil
	default:
		return fmt.Errorf("unknown preview command: %s", args[0])
	}
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "covibes", "config.json"), nil
}

func printUsage() {
	fmt.Printf("covibes CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	covibes login [--token <jwt>] [--api http://localhost:4000]
	covibes agent spawn [--agent <agent-id>]
	covibes agent list [--team <team-id>]
	covibes agent status --agent <agent-id>
	covibes agent stop --agent <agent-id>
	covibes agent attach --agent <agent-id>    (Ctrl-] detaches)
	covibes preview status --team <team-id>
	covibes preview url --team <team-id>
	covibes version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
