package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/Ahui-qn/2video/pkg/api/client"
	"github.com/Ahui-qn/2video/pkg/logger"
	"github.com/Ahui-qn/2video/pkg/protocol"
	"github.com/Ahui-qn/2video/pkg/realtime"
)

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
	case "signup":
		err = commandSignup(args)
	case "login":
		err = commandLogin(args)
	case "project":
		err = commandProject(args)
	case "publish":
		err = commandPublish(args)
	case "push":
		err = commandPush(args)
	case "watch":
		err = commandWatch(args)
	case "role":
		err = commandRole(args)
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

func readPassword(flagValue string) (string, error) {
	secret := strings.TrimSpace(flagValue)
	if secret != "" {
		return secret, nil
	}
	fmt.Print("Password: ")
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(bytes), nil
}

func commandSignup(args []string) error {
	fs := flag.NewFlagSet("signup", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	name := fs.String("name", "", "Display name (defaults to email)")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret, err := readPassword(*password)
	if err != nil {
		return err
	}
	cfg, client, err := clientFor(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Signup(ctx, *email, secret, *name)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	cfg.Email = resp.User.Email
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("signed up as %s (%s)\n", resp.User.DisplayName, resp.User.ID)
	return nil
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret, err := readPassword(*password)
	if err != nil {
		return err
	}
	cfg, client, err := clientFor(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Login(ctx, *email, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	cfg.Email = resp.User.Email
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login successful")
	return nil
}

// clientFor loads the stored config, applying an --api override.
func clientFor(apiBase string) (cliConfig, *apiclient.Client, error) {
	cfg, _ := loadConfig()
	if strings.TrimSpace(apiBase) != "" {
		cfg.APIBaseURL = apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func authedClient() (cliConfig, *apiclient.Client, error) {
	cfg, err := requireToken()
	if err != nil {
		return cliConfig{}, nil, err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: storyctl project [list|create|show|members|audit]")
	}
	switch sub := args[0]; sub {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	case "show":
		return projectShow(args[1:])
	case "members":
		return projectMembers(args[1:])
	case "audit":
		return projectAudit(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", sub)
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	fs.Parse(args)

	cfg, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx, cfg.AccessToken)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, p.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	documentPath := fs.String("document", "", "Optional JSON file with the initial document")
	scriptPath := fs.String("script", "", "Optional JSON file with the initial script")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	document, err := readBlob(*documentPath)
	if err != nil {
		return err
	}
	script, err := readBlob(*scriptPath)
	if err != nil {
		return err
	}
	cfg, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	project, err := client.CreateProject(ctx, cfg.AccessToken, apiclient.CreateProjectInput{
		Name:         *name,
		DocumentBlob: document,
		ScriptBlob:   script,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", project.ID, project.Name)
	return nil
}

func projectShow(args []string) error {
	fs := flag.NewFlagSet("project show", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	detail, err := client.GetProject(ctx, cfg.AccessToken, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("id:       %s\nname:     %s\nrole:     %s\nupdated:  %s\n",
		detail.Project.ID, detail.Project.Name, detail.Role, detail.Snapshot.UpdatedAt.Format(time.RFC3339))
	fmt.Printf("document: %s\nscript:   %s\n", detail.Snapshot.DocumentBlob, detail.Snapshot.ScriptBlob)
	return nil
}

func projectMembers(args []string) error {
	fs := flag.NewFlagSet("project members", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	members, err := client.ListMembers(ctx, cfg.AccessToken, *projectID)
	if err != nil {
		return err
	}
	for _, m := range members {
		fmt.Printf("%s\t%s\t%s\n", m.UserID, m.Role, m.JoinedAt.Format(time.RFC3339))
	}
	return nil
}

func projectAudit(args []string) error {
	fs := flag.NewFlagSet("project audit", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	limit := fs.Int("limit", 50, "Maximum number of entries")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	entries, err := client.ListAudit(ctx, cfg.AccessToken, *projectID, *limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.UserID, e.Action, e.Details)
	}
	return nil
}

// commandPublish hands a produced document to the server over REST.
func commandPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	documentPath := fs.String("document", "", "JSON file with the document blob")
	scriptPath := fs.String("script", "", "JSON file with the script blob")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	document, script, err := readBlobs(*documentPath, *scriptPath)
	if err != nil {
		return err
	}

	cfg, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.PublishSnapshot(ctx, cfg.AccessToken, *projectID, document, script); err != nil {
		return err
	}
	fmt.Println("snapshot published")
	return nil
}

// commandPush joins the room and sends one update as a live participant.
func commandPush(args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	documentPath := fs.String("document", "", "JSON file with the document blob")
	scriptPath := fs.String("script", "", "JSON file with the script blob")
	verbose := fs.Bool("verbose", false, "Log connection events")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	document, script, err := readBlobs(*documentPath, *scriptPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt, err := connectRoom(ctx, *projectID, *verbose, realtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	outcome, err := rt.Update(protocol.ProjectUpdate{DocumentBlob: document, ScriptBlob: script})
	if err != nil {
		return err
	}
	switch outcome {
	case realtime.OutcomeSent:
		fmt.Println("update sent")
	case realtime.OutcomeReadOnly:
		return errors.New("your role on this project is viewer; nothing was sent")
	default:
		return fmt.Errorf("update not sent: %s", outcome)
	}
	return nil
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	verbose := fs.Bool("verbose", false, "Log connection events")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := make(chan error, 1)
	opts := realtime.Options{
		OnSnapshot: func(state protocol.ProjectState) {
			fmt.Printf("joined %s as %s (%d online)\n", state.Project.Name, state.Role, len(state.Users))
		},
		OnRemoteUpdate: func(u protocol.ProjectUpdated) {
			fmt.Printf("update from %s: document=%s script=%s\n", u.UpdatedBy.DisplayName, u.DocumentBlob, u.ScriptBlob)
		},
		OnPresence: func(users []protocol.Participant) {
			names := make([]string, 0, len(users))
			for _, u := range users {
				names = append(names, fmt.Sprintf("%s(%s)", u.DisplayName, u.Role))
			}
			fmt.Printf("online: %s\n", strings.Join(names, ", "))
		},
		OnPermissions: func(perms map[string]string) {
			fmt.Printf("permissions: %v\n", perms)
		},
		OnStateChange: func(s realtime.State) {
			if s == realtime.StateReconnecting {
				fmt.Println("connection lost, reconnecting...")
			}
		},
		OnReconnectFailed: func(err error) {
			failed <- err
		},
	}

	joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	rt, err := connectRoom(joinCtx, *projectID, *verbose, opts)
	cancel()
	if err != nil {
		return err
	}
	defer rt.Close()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

func commandRole(args []string) error {
	fs := flag.NewFlagSet("role", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	userID := fs.String("user", "", "Target user identifier")
	role := fs.String("role", "", "New role (admin|editor|viewer)")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*userID) == "" || strings.TrimSpace(*role) == "" {
		return errors.New("--project, --user and --role are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt, err := connectRoom(ctx, *projectID, false, realtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.ChangeRole(*userID, strings.ToLower(*role)); err != nil {
		return err
	}
	fmt.Printf("role change requested: %s -> %s\n", *userID, *role)
	return nil
}

// connectRoom dials the websocket endpoint with the stored token and joins projectID.
func connectRoom(ctx context.Context, projectID string, verbose bool, opts realtime.Options) (*realtime.Client, error) {
	cfg, err := requireToken()
	if err != nil {
		return nil, err
	}
	dial, err := realtime.WebsocketDialer(cfg.APIBaseURL, cfg.AccessToken, nil)
	if err != nil {
		return nil, err
	}
	opts.ProjectID = projectID
	opts.Dial = dial
	if verbose {
		opts.Logger = logger.New("storyctl", slog.LevelDebug)
	}
	rt, err := realtime.NewClient(opts)
	if err != nil {
		return nil, err
	}
	if err := rt.Connect(ctx); err != nil {
		_ = rt.Close()
		if errors.Is(err, realtime.ErrProjectNotFound) {
			return nil, fmt.Errorf("project %s not found", projectID)
		}
		return nil, err
	}
	return rt, nil
}

func readBlobs(documentPath, scriptPath string) (json.RawMessage, json.RawMessage, error) {
	document, err := readBlob(documentPath)
	if err != nil {
		return nil, nil, err
	}
	script, err := readBlob(scriptPath)
	if err != nil {
		return nil, nil, err
	}
	if document == nil && script == nil {
		return nil, nil, errors.New("--document or --script is required")
	}
	return document, script, nil
}

// readBlob loads a JSON file; an empty path yields nil.
func readBlob(path string) (json.RawMessage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(strings.TrimSpace(string(data))), nil
}

func printUsage() {
	fmt.Printf("storyctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	storyctl signup --email user@example.com [--name "Display Name"] [--password secret] [--api http://localhost:4000]
	storyctl login --email user@example.com [--password secret] [--api http://localhost:4000]
	storyctl project list
	storyctl project create --name <name> [--document file.json] [--script file.json]
	storyctl project show --project <project-id>
	storyctl project members --project <project-id>
	storyctl project audit --project <project-id> [--limit N]
	storyctl publish --project <project-id> [--document file.json] [--script file.json]
	storyctl push --project <project-id> [--document file.json] [--script file.json]
	storyctl watch --project <project-id> [--verbose]
	storyctl role --project <project-id> --user <user-id> --role admin|editor|viewer
	storyctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
