package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agent-relay/internal/chatclient"
	"agent-relay/internal/domain"
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Lista las conversaciones del usuario",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newClient()
		if err != nil {
			return err
		}
		convs, err := client.Conversations(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No hay conversaciones.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s  %s\n", c.ID, c.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [conversation_id]",
	Short: "Muestra el historial de una conversacion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newClient()
		if err != nil {
			return err
		}
		page, err := client.Messages(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		for _, m := range page.Messages {
			if m.Type != "" && m.Type != "question" && m.Type != "answer" {
				continue
			}
			fmt.Printf("[%s] %s\n\n", m.Role, m.Content)
		}
		if page.HasMore {
			fmt.Println("(hay mas mensajes)")
		}
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Sube un archivo al agente y muestra su file id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("leer archivo: %w", err)
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		res, err := client.UploadFile(cmd.Context(), filepath.Base(args[0]), data)
		if err != nil {
			return err
		}
		fmt.Printf("fileId=%s name=%s type=%s size=%d\n", res.FileID, res.Name, res.MIMEType, res.Size)
		return nil
	},
}

// runChat es el REPL: cada turno corre con su propio contexto y Ctrl+C
// detiene solo la respuesta en curso.
func runChat(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	state := chatclient.NewChatState()
	state.ConversationID, _ = cmd.Flags().GetString("conversation")
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("===== Relay Chat =====")
	fmt.Println("Comandos: /archivo <ruta> [pregunta], /nuevo, /historial, /salir")
	for {
		fmt.Print("\nTu: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		req := chatclient.AnalyzeRequest{AnalysisType: analysisType}
		switch {
		case line == "/salir":
			return nil
		case line == "/nuevo":
			state = chatclient.NewChatState()
			fmt.Println("Nueva conversacion.")
			continue
		case line == "/historial":
			printHistory(state)
			continue
		case strings.HasPrefix(line, "/archivo "):
			fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "/archivo ")), " ", 2)
			data, err := os.ReadFile(fields[0])
			if err != nil {
				fmt.Printf("No se pudo leer el archivo: %v\n", err)
				continue
			}
			req.FileName = filepath.Base(fields[0])
			req.FileData = data
			if len(fields) == 2 {
				req.Question = fields[1]
			}
		default:
			req.Question = line
		}
		req.ConversationID = state.ConversationID

		sendTurn(cmd.Context(), client, state, req)
	}
}

func sendTurn(parent context.Context, client *chatclient.Client, state *chatclient.ChatState, req chatclient.AnalyzeRequest) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	state.Submit(req.Question)
	fmt.Print("Agente: ")
	err := client.Analyze(ctx, req, func(ev domain.StreamEvent) {
		if d, ok := ev.(domain.ContentDelta); ok {
			fmt.Print(d.Text)
		}
		if diag, ok := ev.(domain.Diagnostic); ok {
			logger.Debug("agent diagnostic", zap.String("text", diag.Text))
		}
		state.Apply(ev)
	})
	fmt.Println()

	switch {
	case errors.Is(err, chatclient.ErrCanceled):
		state.Abort(err)
		fmt.Println("(respuesta detenida)")
	case err != nil:
		state.Abort(err)
		fmt.Printf("Error: %v\n", err)
	case state.Err != nil:
		fmt.Printf("Error: %v\n", state.Err)
	}
	for _, s := range state.Suggestions {
		fmt.Printf("  > %s\n", s)
	}
}

func printHistory(state *chatclient.ChatState) {
	if len(state.History) == 0 {
		fmt.Println("Historial vacio.")
		return
	}
	for _, e := range state.History {
		mark := ""
		if e.Partial {
			mark = " (incompleto)"
		}
		fmt.Printf("[%s]%s %s\n", e.Role, mark, e.Text)
	}
}
