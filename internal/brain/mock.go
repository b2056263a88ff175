package brain

import (
	"context"
	"fmt"
	"strings"
)

var mockReplies = []string{
	"Intéressant. Pouvez-vous m'en dire un peu plus sur ce que cela change concrètement pour nous ?",
	"D'accord, mais combien de temps faut-il pour le mettre en place ?",
	"Je ne suis pas encore convaincu. Qu'est-ce qui vous distingue de vos concurrents ?",
	"Et côté budget, on parle de quel ordre de grandeur ?",
}

const mockAnalysis = "```json\n" + `{"score": 72, "advice": ["Posez davantage de questions ouvertes", "Reformulez les objections avant d'y répondre"], "improvements": ["Chiffrer le retour sur investissement", "Conclure par une proposition de prochaine étape"]}` + "\n```"

// Mock is a deterministic offline brain. Replies rotate with the number of
// prior turns; JSON requests get a fixed analysis wrapped in a fence, like
// real models tend to return.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (*Mock) Name() string { return "mock" }

func (*Mock) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.JSON {
		return mockAnalysis, nil
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("mock brain: empty prompt")
	}
	userTurns := 0
	for _, turn := range req.History {
		if turn.Role == RoleUser {
			userTurns++
		}
	}
	return mockReplies[userTurns%len(mockReplies)], nil
}
