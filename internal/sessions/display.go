package sessions

import "github.com/sapphirehost/sapphire/pkg/models"

// DisplayBlocks renders the active chat as grouped blocks: user and system
// messages map one-to-one, while each assistant message absorbs its tool
// results and any assistant continuations into a single block with ordered
// parts. The underlying message list is left untouched.
func (m *Manager) DisplayBlocks() []models.DisplayBlock {
	return BuildDisplayBlocks(m.Messages())
}

// BuildDisplayBlocks performs the display grouping over an arbitrary
// message list.
func BuildDisplayBlocks(messages []models.Message) []models.DisplayBlock {
	blocks := make([]models.DisplayBlock, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role != models.RoleAssistant {
			blocks = append(blocks, models.DisplayBlock{
				Role:      msg.Role,
				Timestamp: msg.Timestamp,
				Content:   msg.Content,
			})
			continue
		}

		block := models.DisplayBlock{Role: models.RoleAssistant, Timestamp: msg.Timestamp}
		appendAssistantParts(&block, msg)

		// Absorb the rest of the turn: tool results and assistant
		// continuations, stopping at the next user or system message.
	absorb:
		for i+1 < len(messages) {
			next := messages[i+1]
			switch next.Role {
			case models.RoleTool:
				block.Parts = append(block.Parts, models.DisplayPart{
					Type:       models.PartToolResult,
					Content:    next.Content,
					Name:       next.Name,
					ToolCallID: next.ToolCallID,
					Inputs:     next.ToolInputs,
				})
			case models.RoleAssistant:
				appendAssistantParts(&block, next)
			default:
				break absorb
			}
			i++
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func appendAssistantParts(block *models.DisplayBlock, msg models.Message) {
	if msg.Content != "" {
		block.Parts = append(block.Parts, models.DisplayPart{
			Type:    models.PartContent,
			Content: msg.Content,
		})
	}
	for _, call := range msg.ToolCalls {
		block.Parts = append(block.Parts, models.DisplayPart{
			Type:       models.PartToolCall,
			Name:       call.Name,
			Arguments:  call.Arguments,
			ToolCallID: call.ID,
		})
	}
}
