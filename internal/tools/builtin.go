package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edaswarm/orchestrator/internal/llm"
)

const defaultImageQuery = "Analyze this data visualization image and describe what you see. " +
	"Focus on trends, patterns, outliers, and any insights that would be relevant for data analysis."

const visionMaxTokens = 1000

// NewBuiltinRegistry returns a registry with the builtin analysis tools:
// report writing into the outputs directory, dataset listing, and vision
// analysis of rendered charts.
func NewBuiltinRegistry(dataDir, outputsDir string, vision llm.ChatClient, visionModel string) *Registry {
	r := NewRegistry()

	r.MustRegister("write_text_file", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var req struct {
			RelativeFilename string `json:"relative_filename"`
			Content          string `json:"content"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if req.RelativeFilename == "" {
			return nil, fmt.Errorf("relative_filename is required")
		}

		path, err := resolveWithin(outputsDir, req.RelativeFilename)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write file: %w", err)
		}

		out, _ := json.Marshal(map[string]string{"path": path})
		return out, nil
	})

	r.MustRegister("list_files", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		dir := dataDir
		if len(args) > 0 {
			var req struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if req.Path != "" {
				resolved, err := resolveWithin(dataDir, req.Path)
				if err != nil {
					return nil, err
				}
				dir = resolved
			}
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}

		out, _ := json.Marshal(map[string]interface{}{"files": names})
		return out, nil
	})

	r.MustRegister("analyze_image", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var req struct {
			ImagePath string `json:"image_path"`
			Query     string `json:"query"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if req.ImagePath == "" {
			return nil, fmt.Errorf("image_path is required")
		}
		if req.Query == "" {
			req.Query = defaultImageQuery
		}

		// Agents name artifacts by their in-sandbox path.
		rel := strings.TrimPrefix(req.ImagePath, "/mnt/outputs/")
		path, err := resolveWithin(outputsDir, rel)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}

		maxTokens := visionMaxTokens
		resp, err := vision.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
			Model:     visionModel,
			MaxTokens: &maxTokens,
			Messages: []llm.ChatMessage{{
				Role: "user",
				Parts: []llm.ContentPart{
					{Type: "text", Text: req.Query},
					{Type: "image_url", ImageURL: &llm.ImageURL{
						URL: "data:" + imageMediaType(path) + ";base64," + base64.StdEncoding.EncodeToString(data),
					}},
				},
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("vision analysis failed: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
			return nil, fmt.Errorf("vision model returned no content")
		}

		out, _ := json.Marshal(map[string]string{"analysis": resp.Choices[0].Message.Content})
		return out, nil
	})

	return r
}

func imageMediaType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// resolveWithin joins rel onto base and rejects paths escaping base.
func resolveWithin(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	joined := filepath.Join(base, rel)
	cleanBase := filepath.Clean(base)
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the allowed directory: %s", rel)
	}
	return joined, nil
}
