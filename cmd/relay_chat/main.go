package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agent-relay/internal/chatclient"
	"agent-relay/internal/service"
)

var (
	relayURL     string
	userID       string
	token        string
	jwtSecret    string
	analysisType string
	verbose      bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relay_chat",
	Short: "Chat de terminal contra el agent-relay",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		if verbose {
			logger, _ = zap.NewDevelopment()
		} else {
			logger = zap.NewNop()
		}
	},
	RunE: runChat,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&relayURL, "url", envOr("RELAY_URL", "http://localhost:8080"), "URL base del relay")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", envOr("RELAY_USER_ID", "cli-user"), "Identificador de usuario")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("RELAY_TOKEN"), "Bearer token (si el relay exige JWT)")
	rootCmd.PersistentFlags().StringVar(&jwtSecret, "jwt-secret", "", "Firma un token propio con este secreto (por defecto JWT_SECRET)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Logs de depuracion")
	rootCmd.Flags().StringVarP(&analysisType, "type", "t", "evaluate", "Tipo de analisis: evaluate, generate o mock")
	rootCmd.Flags().StringP("conversation", "c", "", "Continuar una conversacion existente")

	historyCmd.Flags().Int("limit", 50, "Cantidad maxima de mensajes")
	conversationsCmd.Flags().Int("limit", 20, "Cantidad maxima de conversaciones")

	rootCmd.AddCommand(conversationsCmd, historyCmd, uploadCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("relay_chat: %v", err)
	}
}

func newClient() (*chatclient.Client, error) {
	secret := jwtSecret
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	bearer, err := bearerToken(token, secret, userID)
	if err != nil {
		return nil, err
	}
	opts := []chatclient.Option{chatclient.WithUserID(userID), chatclient.WithLogger(logger)}
	if bearer != "" {
		opts = append(opts, chatclient.WithToken(bearer))
	}
	return chatclient.NewClient(relayURL, opts...), nil
}

// bearerToken prioriza el token explicito. Sin el, y con un secreto, emite un
// access token local para el usuario activo.
func bearerToken(explicit, secret, user string) (string, error) {
	if explicit != "" || secret == "" {
		return explicit, nil
	}
	issued, err := service.NewTokenVerifier(secret, "").IssueAccessToken(user, time.Hour)
	if err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	return issued, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
