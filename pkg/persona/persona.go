// Package persona assembles the system prompt that seeds a role-play
// conversation.
package persona

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/roleplay/pkg/logger"
)

// ErrUnknownPersona is returned when a role identifier is not in the table.
var ErrUnknownPersona = errors.New("unknown persona")

const (
	memoryHeader = "【你的说话风格示例】\n以下是你说过的话，你必须模仿这种说话风格和语气：\n"
	memoryFooter = "\n在对话中，你要自然地使用类似的表达方式和语气。"
	roleHeader   = "【角色设定】\n"
	partSep      = "\n\n"
)

// Builder produces system prompts from a Table. It holds no mutable state.
type Builder struct {
	table *Table
}

func NewBuilder(table *Table) *Builder {
	return &Builder{table: table}
}

func (b *Builder) Table() *Table {
	return b.table
}

// Build returns the system prompt for roleID: the memory preamble when
// memoryText is non-empty, then the persona description, then the shared
// termination rule.
func (b *Builder) Build(roleID, memoryText string) (string, error) {
	p, ok := b.table.Lookup(roleID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPersona, roleID)
	}
	return b.compose(p.Description, memoryText), nil
}

// BuildOrDefault is Build with the neutral fallback persona substituted for
// unknown role identifiers.
func (b *Builder) BuildOrDefault(roleID, memoryText string) string {
	prompt, err := b.Build(roleID, memoryText)
	if err == nil {
		return prompt
	}
	logger.WarnCF("persona", "Unknown persona, using fallback", map[string]any{
		"role": roleID,
	})
	return b.compose(b.table.Fallback(), memoryText)
}

func (b *Builder) compose(description, memoryText string) string {
	parts := make([]string, 0, 3)
	if mem := strings.TrimSpace(memoryText); mem != "" {
		parts = append(parts, memoryHeader+mem+memoryFooter)
	}
	parts = append(parts, roleHeader+description)
	if rule := b.table.TerminationRule(); rule != "" {
		parts = append(parts, rule)
	}
	return strings.Join(parts, partSep)
}
