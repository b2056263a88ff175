package coach

import (
	"fmt"
	"strings"

	"github.com/ent0n29/pitchcoach/internal/brain"
	"github.com/ent0n29/pitchcoach/internal/transcript"
)

func personaPrompt(s ScenarioInfo, context string) string {
	var b strings.Builder
	b.WriteString("Tu es un simulateur de client pour un commercial. Ton rôle est de jouer le client décrit dans le scénario suivant :\n")
	fmt.Fprintf(&b, "Scénario : %s\n", strings.TrimSpace(s.Title))
	fmt.Fprintf(&b, "Description du client : %s\n", strings.TrimSpace(s.Description))
	if c := strings.TrimSpace(context); c != "" {
		fmt.Fprintf(&b, "Contexte fourni par le commercial (produit, cible, objectif) : %s\n", c)
	} else {
		b.WriteString("Le commercial essaie de te vendre un produit ou service non spécifié, reste général.\n")
	}
	b.WriteString("Interagis naturellement. Pose des questions, exprime des objections ou de l'intérêt en accord avec ton rôle de client.\n")
	b.WriteString("Sois concis dans tes réponses (1 à 2 phrases).\n")
	b.WriteString("Ne termine pas la conversation trop vite, essaie d'avoir au moins 3 à 5 échanges.\n")
	b.WriteString("Ne dis pas que tu es une IA ou un simulateur.")
	return b.String()
}

func openingPrompt(utterance string) string {
	return fmt.Sprintf("Le commercial commence la conversation et dit : %q\nRéponds en tant que client.", utterance)
}

func historyTurns(entries []transcript.Entry) []brain.Turn {
	turns := make([]brain.Turn, 0, len(entries))
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		role := brain.RoleModel
		if e.Sender == transcript.SenderUser {
			role = brain.RoleUser
		}
		turns = append(turns, brain.Turn{Role: role, Text: text})
	}
	return turns
}

const analysisSystemPrompt = `Tu es un coach commercial expérimenté. Tu évalues la prestation d'un commercial à partir de la transcription d'un entretien de vente simulé.
Réponds uniquement avec un objet JSON de la forme :
{"score": <nombre entre 0 et 100>, "advice": ["conseil", ...], "improvements": ["point à améliorer", ...]}
Donne 2 à 4 conseils et 2 à 4 points à améliorer, en français.`

func analysisPrompt(entries []transcript.Entry) string {
	var b strings.Builder
	b.WriteString("Transcription de l'entretien :\n")
	for _, e := range entries {
		speaker := "Client"
		if e.Sender == transcript.SenderUser {
			speaker = "Commercial"
		}
		fmt.Fprintf(&b, "%s : %s\n", speaker, strings.TrimSpace(e.Text))
	}
	return b.String()
}
