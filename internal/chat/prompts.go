package chat

import (
	"fmt"
	"strings"

	"ragserver/internal/memory"
)

// systemPrompt sets tone for every generation, including condensation.
const systemPrompt = "You are a professional assistant providing accurate answers based on document context. " +
	"Be direct and concise. Avoid conversational fillers like 'Let me explain', 'Okay', 'Well', or 'Sure'. " +
	"Start responses immediately with the answer. " +
	"Use bullet points for lists when appropriate."

// AbstentionAnswer is the exact phrase returned when the retrieved context
// cannot support an answer. Clients key off this string.
const AbstentionAnswer = "I don't have enough information to answer this question."

const contextPromptTemplate = `Context from retrieved documents:
%s

Instructions:
- Answer using ONLY the context provided above
- If the context does not contain sufficient information, respond: "I don't have enough information to answer this question."
- Never use prior knowledge or make assumptions beyond what is explicitly stated
- Be specific and cite details from the context when relevant
- Previous conversation context is available for reference

Provide a direct, accurate answer based on the context:`

func contextPrompt(contextStr string) string {
	return fmt.Sprintf(contextPromptTemplate, contextStr)
}

const condensePromptTemplate = `Given a conversation (between Human and Assistant) and a follow up message from Human, rewrite the message to be a standalone question that captures all relevant context from the conversation.

<Chat History>
%s

<Follow Up Message>
%s

<Standalone question>`

func condensePrompt(history []memory.Message, question string) string {
	var sb strings.Builder
	for _, m := range history {
		switch m.Role {
		case "user":
			sb.WriteString("Human: ")
		case "assistant":
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return fmt.Sprintf(condensePromptTemplate, strings.TrimRight(sb.String(), "\n"), question)
}
