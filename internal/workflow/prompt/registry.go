package prompt

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed templates/*.txt
var templatesFS embed.FS

type PromptID string

const (
	PromptIntentV1          PromptID = "intent_v1"
	PromptDirectAnswerV1    PromptID = "direct_answer_v1"
	PromptEntityExtractV1   PromptID = "entity_extract_v1"
	PromptCypherGenV1       PromptID = "cypher_gen_v1"
	PromptAnswerSynthesisV1 PromptID = "answer_synthesis_v1"
)

type Registry struct {
	mu    sync.RWMutex
	cache map[PromptID]einoprompt.ChatTemplate
}

func NewRegistry() *Registry {
	return &Registry{
		cache: make(map[PromptID]einoprompt.ChatTemplate),
	}
}

func (r *Registry) ChatTemplate(id PromptID) (einoprompt.ChatTemplate, error) {
	if r == nil {
		return nil, fmt.Errorf("prompt registry is nil")
	}

	r.mu.RLock()
	if tpl, ok := r.cache[id]; ok {
		r.mu.RUnlock()
		return tpl, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[id]; ok {
		return tpl, nil
	}

	systemPath, userPath, err := resolvePromptFiles(id)
	if err != nil {
		return nil, err
	}
	system, err := readEmbeddedText(systemPath)
	if err != nil {
		return nil, err
	}
	user, err := readEmbeddedText(userPath)
	if err != nil {
		return nil, err
	}

	tpl := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage(user),
	)
	r.cache[id] = tpl
	return tpl, nil
}

func resolvePromptFiles(id PromptID) (systemFile string, userFile string, err error) {
	switch id {
	case PromptIntentV1:
		return "templates/intent_v1.system.txt", "templates/intent_v1.user.txt", nil
	case PromptDirectAnswerV1:
		return "templates/direct_answer_v1.system.txt", "templates/direct_answer_v1.user.txt", nil
	case PromptEntityExtractV1:
		return "templates/entity_extract_v1.system.txt", "templates/entity_extract_v1.user.txt", nil
	case PromptCypherGenV1:
		return "templates/cypher_gen_v1.system.txt", "templates/cypher_gen_v1.user.txt", nil
	case PromptAnswerSynthesisV1:
		return "templates/answer_synthesis_v1.system.txt", "templates/answer_synthesis_v1.user.txt", nil
	default:
		return "", "", fmt.Errorf("unknown prompt id: %s", id)
	}
}

func readEmbeddedText(path string) (string, error) {
	b, err := templatesFS.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
