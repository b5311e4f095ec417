package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var client = &http.Client{Timeout: 65 * time.Second}

type memoryView struct {
	ID                string  `json:"id"`
	Content           string  `json:"content"`
	Category          string  `json:"category"`
	Importance        float64 `json:"importance"`
	CurrentImportance float64 `json:"current_importance"`
	AccessCount       int     `json:"access_count"`
	Similarity        float64 `json:"similarity,omitempty"`
	Score             float64 `json:"score,omitempty"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Recall server URL")
	user := flag.String("user", "cli-user", "Owner id for the conversation")
	flag.Parse()

	fmt.Println("Recall CLI Chat")
	fmt.Printf("Server: %s | User: %s\n", *server, *user)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /stats, /memories, /search <query>, /forget <id>, /clear, /history")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "exit", "quit", "/quit":
			fmt.Println("Bye!")
			return
		case "/stats":
			fetchStats(*server, *user)
		case "/memories":
			fetchMemories(*server, *user)
		case "/search":
			if arg == "" {
				printError("usage: /search <query>")
				continue
			}
			search(*server, *user, arg)
		case "/forget":
			if arg == "" {
				printError("usage: /forget <id>")
				continue
			}
			forget(*server, *user, arg)
		case "/clear":
			clearMemories(*server, *user)
		case "/history":
			fetchHistory(*server, *user)
		default:
			sendMessage(*server, *user, input)
		}
	}
}

func sendMessage(server, user, content string) {
	body, _ := json.Marshal(map[string]string{
		"owner_id": user,
		"message":  content,
	})

	var res struct {
		TurnNumber     int    `json:"turn_number"`
		Reply          string `json:"reply"`
		MemoriesUsed   []any  `json:"memories_used"`
		MemoriesStored int    `json:"memories_stored"`
		Degraded       bool   `json:"degraded"`
	}
	if !call(http.MethodPost, server+"/api/turns", body, &res) {
		return
	}

	fmt.Printf("\033[36m[turn %d]\033[0m %s\n", res.TurnNumber, res.Reply)
	if len(res.MemoriesUsed) > 0 || res.MemoriesStored > 0 {
		fmt.Printf("\033[90m(recalled %d, stored %d)\033[0m\n", len(res.MemoriesUsed), res.MemoriesStored)
	}
	if res.Degraded {
		fmt.Println("\033[33m(degraded: a dependency was unavailable)\033[0m")
	}
}

func fetchStats(server, user string) {
	var stats struct {
		Total         int            `json:"total"`
		ByCategory    map[string]int `json:"by_category"`
		AvgImportance float64        `json:"avg_importance"`
	}
	if !call(http.MethodGet, server+"/api/memories/"+url.PathEscape(user)+"/stats", nil, &stats) {
		return
	}
	fmt.Printf("Memories: %d (avg importance %.2f)\n", stats.Total, stats.AvgImportance)
	for cat, n := range stats.ByCategory {
		fmt.Printf("  %-14s %d\n", cat, n)
	}
}

func fetchMemories(server, user string) {
	var recs []memoryView
	if !call(http.MethodGet, server+"/api/memories/"+url.PathEscape(user), nil, &recs) {
		return
	}
	if len(recs) == 0 {
		fmt.Println("No memories stored yet.")
		return
	}
	for _, m := range recs {
		fmt.Printf("  %s [%s] %.2f→%.2f %s\n", m.ID, m.Category, m.Importance, m.CurrentImportance, m.Content)
	}
}

func search(server, user, query string) {
	body, _ := json.Marshal(map[string]interface{}{
		"owner_id": user,
		"query":    query,
		"top_k":    5,
	})
	var hits []memoryView
	if !call(http.MethodPost, server+"/api/memories/search", body, &hits) {
		return
	}
	if len(hits) == 0 {
		fmt.Println("Nothing relevant found.")
		return
	}
	for _, m := range hits {
		fmt.Printf("  %.3f %s [%s] %s\n", m.Score, m.ID, m.Category, m.Content)
	}
}

func forget(server, user, id string) {
	if call(http.MethodDelete, server+"/api/memories/"+url.PathEscape(user)+"/"+url.PathEscape(id), nil, nil) {
		fmt.Println("Forgotten.")
	}
}

func clearMemories(server, user string) {
	var res struct {
		Deleted int `json:"deleted"`
	}
	if call(http.MethodDelete, server+"/api/memories/"+url.PathEscape(user), nil, &res) {
		fmt.Printf("Cleared %d memories.\n", res.Deleted)
	}
}

func fetchHistory(server, user string) {
	var turns []struct {
		Number           int    `json:"turn_number"`
		UserMessage      string `json:"user_message"`
		AssistantMessage string `json:"assistant_message"`
	}
	if !call(http.MethodGet, server+"/api/users/"+url.PathEscape(user)+"/turns?limit=10", nil, &turns) {
		return
	}
	if len(turns) == 0 {
		fmt.Println("No turns yet.")
		return
	}
	for _, t := range turns {
		fmt.Printf("\033[90m#%d\033[0m you: %s\n    bot: %s\n", t.Number, t.UserMessage, t.AssistantMessage)
	}
}

// call performs one request and decodes a 2xx JSON body into out when set.
func call(method, target string, body []byte, out interface{}) bool {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rd)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return false
	}
	if out == nil {
		return true
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
