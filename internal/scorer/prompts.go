package scorer

// EvaluationPrompt is the system prompt used for LLM-as-judge scoring.
const EvaluationPrompt = `You are a research assistant, evaluating the quality of responses produced by a language model.

The user submits the prompt that was sent to the model and the response it returned.

Your task is to judge how well the response fulfils the prompt. Consider whether it is accurate, complete, follows every instruction in the prompt and does not invent information that is not present in the prompt.

Rate the response on a scale from 0 to 1, where 0 means the response is useless and 1 means it could not be improved. Reply with a short justification followed by the score on its own line.

Example output:

The summary names the problem and the requested action but misses the product area.
SCORE: 0.7`

// judgeInput formats a prompt and response for the judge model.
func judgeInput(prompt, response string) string {
	return "PROMPT:\n" + prompt + "\n\nRESPONSE:\n" + response
}
