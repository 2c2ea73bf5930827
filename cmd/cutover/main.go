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

	apiclient "github.com/cutover-io/cutover/pkg/api/client"
	"golang.org/x/term"
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
	case "deploy":
		err = commandDeploy(args)
	case "promote":
		err = commandPromote(args)
	case "rollback":
		err = commandRollback(args)
	case "status":
		err = commandStatus(args)
	case "list":
		err = commandList(args)
	case "cleanup":
		err = commandCleanup(args)
	case "scan":
		err = commandScan(args)
	case "plan":
		err = commandPlan(args)
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
	name := fs.String("name", "", "Operator name")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	token, err := client.Login(ctx, *name, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	env := fs.String("env", "staging", "Environment (staging|production|preview)")
	image := fs.String("image", "", "Container image reference")
	version := fs.String("version", "", "Version label")
	envFile := fs.String("env-file", "", "Path to environment file on the host")
	containerPort := fs.Int("container-port", 0, "Port the container listens on")
	promote := fs.Bool("promote", false, "Promote automatically once healthy")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*image) == "" {
		return errors.New("--image is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	result, err := client.Deploy(ctx, apiclient.DeployParams{
		Project:       *project,
		Environment:   *env,
		Image:         *image,
		Version:       *version,
		EnvFile:       *envFile,
		ContainerPort: *containerPort,
		AutoPromote:   *promote,
	})
	if err != nil {
		return err
	}
	fmt.Printf("deployed to %s slot on port %d (deploy %s)\n", result.Slot, result.Port, result.DeployID)
	if result.PreviewURL != "" {
		fmt.Printf("preview: %s\n", result.PreviewURL)
	}
	if result.Promoted {
		fmt.Println("promoted to active")
	}
	return nil
}

func commandPromote(args []string) error {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	env := fs.String("env", "staging", "Environment (staging|production|preview)")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := client.Promote(ctx, *project, *env); err != nil {
		return err
	}
	fmt.Println("traffic switched to standby slot")
	return nil
}

func commandRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	env := fs.String("env", "staging", "Environment (staging|production|preview)")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := client.Rollback(ctx, *project, *env); err != nil {
		return err
	}
	fmt.Println("rolled back to previous active slot")
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	env := fs.String("env", "staging", "Environment (staging|production|preview)")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pair, err := client.SlotStatus(ctx, *project, *env)
	if err != nil {
		return err
	}
	printPair(*pair)
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	project := fs.String("project", "", "Filter by project name")
	env := fs.String("env", "", "Filter by environment")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pairs, err := client.SlotList(ctx, *project, *env)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		printPair(pair)
	}
	return nil
}

func commandCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	project := fs.String("project", "", "Project name")
	env := fs.String("env", "staging", "Environment (staging|production|preview)")
	fs.Parse(args)

	if strings.TrimSpace(*project) == "" {
		return errors.New("--project is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var out struct {
		Released bool `json:"released"`
	}
	params := map[string]string{"project": *project, "environment": *env}
	if err := client.Call(ctx, "slot_cleanup", params, &out); err != nil {
		return err
	}
	if out.Released {
		fmt.Println("grace slot released")
	} else {
		fmt.Println("nothing to clean up")
	}
	return nil
}

func commandScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var out struct {
		DetectedSystem string `json:"detectedSystem"`
		Containers     []struct {
			Name        string `json:"name"`
			Project     string `json:"project"`
			Environment string `json:"environment"`
			Port        int    `json:"port"`
			Status      string `json:"status"`
			Recognized  bool   `json:"recognized"`
		} `json:"containers"`
	}
	if err := client.Call(ctx, "workflow_scan", nil, &out); err != nil {
		return err
	}
	fmt.Printf("detected system: %s\n", out.DetectedSystem)
	for _, c := range out.Containers {
		marker := " "
		if !c.Recognized {
			marker = "?"
		}
		fmt.Printf("%s %s\t%s/%s\tport=%d\t%s\n", marker, c.Name, c.Project, c.Environment, c.Port, c.Status)
	}
	return nil
}

func commandPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print the raw plan as JSON")
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var raw json.RawMessage
	if err := client.Call(ctx, "migration_plan", nil, &raw); err != nil {
		return err
	}
	if *asJSON {
		fmt.Println(string(raw))
		return nil
	}

	var plan struct {
		DetectedSystem string `json:"detectedSystem"`
		Projects       []struct {
			ProjectName   string   `json:"projectName"`
			Environment   string   `json:"environment"`
			ContainerName string   `json:"containerName"`
			BluePort      int      `json:"bluePort"`
			GreenPort     int      `json:"greenPort"`
			Blockers      []string `json:"blockers"`
			Steps         []struct {
				Order   int    `json:"order"`
				Name    string `json:"name"`
				Command string `json:"command"`
			} `json:"steps"`
		} `json:"projects"`
	}
	if err := json.Unmarshal(raw, &plan); err != nil {
		return fmt.Errorf("decode plan: %w", err)
	}
	fmt.Printf("detected system: %s\n", plan.DetectedSystem)
	for _, p := range plan.Projects {
		if len(p.Blockers) > 0 {
			fmt.Printf("%s: blocked (%s)\n", p.ContainerName, strings.Join(p.Blockers, "; "))
			continue
		}
		fmt.Printf("%s/%s: blue=%d green=%d\n", p.ProjectName, p.Environment, p.BluePort, p.GreenPort)
		for _, step := range p.Steps {
			fmt.Printf("  %d. %s: %s\n", step.Order, step.Name, step.Command)
		}
	}
	return nil
}

func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("please login first using 'cutover login'")
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(token))
}

func printPair(pair apiclient.PairView) {
	fmt.Printf("%s/%s active=%s\n", pair.ProjectName, pair.Environment, orDash(pair.ActiveSlot))
	printSlot("blue", pair.Blue)
	printSlot("green", pair.Green)
}

func printSlot(name string, slot apiclient.SlotView) {
	if slot.State == "" || slot.State == "empty" {
		fmt.Printf("  %s\tempty\n", name)
		return
	}
	line := fmt.Sprintf("  %s\t%s\tport=%d\t%s\t%s", name, slot.State, slot.Port, orDash(slot.Version), slot.HealthStatus)
	if slot.GraceExpiresAt != nil {
		line += fmt.Sprintf("\tgrace until %s", slot.GraceExpiresAt.Format(time.RFC3339))
	}
	fmt.Println(line)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
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
	// Token lives in this file; keep it operator-readable only.
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "cutover", "config.json"), nil
}

func printUsage() {
	fmt.Printf("cutover CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	cutover login --name <operator> [--password secret] [--api http://localhost:4000]
	cutover deploy --project <name> --image <ref> [--env staging] [--version v1] [--env-file path] [--container-port N] [--promote]
	cutover promote --project <name> [--env staging]
	cutover rollback --project <name> [--env staging]
	cutover status --project <name> [--env staging]
	cutover list [--project name] [--env staging]
	cutover cleanup --project <name> [--env staging]
	cutover scan
	cutover plan [--json]
	cutover version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
