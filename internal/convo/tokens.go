package convo

// Token accounting for chat-format models: every message carries a
// fixed framing overhead and the reply is primed with a few more.
const (
	charsPerToken   = 4
	tokensPerTurn   = 4
	tokensPerPrimer = 2
)

// EstimateTokenizer approximates a model tokenizer at four bytes per
// token plus per-turn framing. It overestimates slightly for English,
// which errs on the side of trimming early.
type EstimateTokenizer struct{}

// Count implements Tokenizer.
func (EstimateTokenizer) Count(turns []Turn) int {
	total := tokensPerPrimer
	for _, t := range turns {
		total += tokensPerTurn + textTokens(string(t.Role)) + textTokens(t.Text)
		if t.Speaker != "" {
			total += textTokens(t.Speaker)
		}
	}
	return total
}

// TokenizerFunc adapts a function to the Tokenizer interface.
type TokenizerFunc func(turns []Turn) int

// Count implements Tokenizer.
func (f TokenizerFunc) Count(turns []Turn) int { return f(turns) }

func textTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}
