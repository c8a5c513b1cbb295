package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatpilot/internal/browser"
	"github.com/user/chatpilot/internal/credentials"
	"github.com/user/chatpilot/internal/platform"
	"github.com/user/chatpilot/internal/types"
)

var (
	loginToken    string
	loginCurl     string
	loginEmail    string
	loginPassword string
	loginBrowser  bool
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, validateKeyCmd, tokenCmd)
	tokenCmd.AddCommand(tokenExtractCmd)

	f := loginCmd.Flags()
	f.StringVar(&loginToken, "token", "", "bearer token copied from the browser")
	f.StringVar(&loginCurl, "curl", "", "file holding a request copied as cURL (- for stdin)")
	f.StringVar(&loginEmail, "email", "", "account email")
	f.StringVar(&loginPassword, "password", "", "account password")
	tokenExtractCmd.Flags().BoolVar(&loginBrowser, "browser", false, "log in with a browser and capture the token from the page")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the platform and save the credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		pass := getPassphrase()
		if pass == "" {
			return errors.New("a passphrase is required: use --passphrase or CHATPILOT_PASSPHRASE")
		}

		token := loginToken
		if loginCurl != "" {
			data, err := readInput(loginCurl)
			if err != nil {
				return err
			}
			if token = platform.ExtractTokenFromCurl(data); token == "" {
				return errors.New("no bearer token found in the cURL command")
			}
		}
		if token == "" && (loginEmail == "" || loginPassword == "") {
			return errors.New("give --token, --curl, or --email with --password")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		client := newPlatformClient(cfg)

		var (
			sess    *types.Session
			profile *types.UserProfile
			err     error
		)
		if token != "" {
			sess, profile, err = client.LoginWithToken(ctx, token)
		} else {
			sess, profile, err = client.Login(ctx, loginEmail, loginPassword)
		}
		if err != nil {
			for _, a := range client.LastAttempts() {
				fmt.Fprintf(os.Stderr, "  %s: %s (%s)\n", a.Endpoint, a.Kind, a.Reason)
			}
			if hint := platform.Remediation(platform.KindOf(err)); hint != "" {
				fmt.Fprintln(os.Stderr, "Hint:", hint)
			}
			return fmt.Errorf("login failed: %w", err)
		}

		blob := &credentials.Blob{
			Token:        sess.AccessToken(),
			RefreshToken: sess.RefreshToken(),
			ExpiresAt:    sess.ExpiresAt(),
			Email:        loginEmail,
			Password:     loginPassword,
		}
		store := credentialStore(cfg)
		if blob.Email == "" {
			// Keep browser credentials saved by an earlier login.
			if old, err := store.Load(pass); err == nil {
				blob.Email, blob.Password = old.Email, old.Password
			}
		}
		if err := store.Save(blob, pass); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		fmt.Printf("Logged in as %s. Credentials saved to %s\n", profile.Username, store.Path())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the saved credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := credentialStore(loadConfig())
		if err := store.Clear(); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}
		fmt.Println("Saved credentials removed.")
		return nil
	},
}

var validateKeyCmd = &cobra.Command{
	Use:   "validate-key <key>",
	Short: "Check an activation key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := credentials.ValidateActivationKey(strings.TrimSpace(args[0]), cfg.Activation.Keys); err != nil {
			return err
		}
		fmt.Println("Activation key is valid.")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Bearer token helpers",
}

var tokenExtractCmd = &cobra.Command{
	Use:   "extract [curl-file]",
	Short: "Print the bearer token from a cURL command or a browser login",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginBrowser {
			return extractWithBrowser()
		}
		src := "-"
		if len(args) == 1 {
			src = args[0]
		}
		data, err := readInput(src)
		if err != nil {
			return err
		}
		token := platform.ExtractTokenFromCurl(data)
		if token == "" {
			return errors.New("no bearer token found")
		}
		fmt.Println(token)
		return nil
	},
}

func extractWithBrowser() error {
	cfg := loadConfig()
	setupLogging(cfg)
	secrets := loadSecrets(cfg)
	if secrets.Email == "" || secrets.Password == "" {
		return errors.New("account email and password are required for browser login")
	}
	opts, err := browserOptions(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	var token string
	src, err := browser.Open(ctx, chromeDriver(cfg), opts, browser.Session{
		Email:    secrets.Email,
		Password: secrets.Password,
		OnToken:  func(t string) { token = t },
	})
	if err != nil {
		return err
	}
	defer src.Close()
	if token == "" {
		return errors.New("logged in but no bearer token was found in the page")
	}
	fmt.Println(token)
	return nil
}

func readInput(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}
