// Package prompts holds the fixed prompt text the engine feeds to the
// generation backend. The narrative seed and tool definition are
// Japanese; the tool-call extractor normalizes Japanese tool names back
// to their canonical identifiers.
package prompts

// DefaultSeed is the initial context buffer for a fresh agent. It ends
// mid-tool-call: the first generation completes the dangling search
// call, which primes the model to keep using the tool syntax.
const DefaultSeed = `色々な事を調べて、それについてUserと対話したいな。

調べる時:
<tool_call>
{"name": "search", "arguments": {"query": "知りたいこと"}}
</tool_call>

Userに何を伝えようかな？:
<tool_call>
{"name": "message", "arguments": {"content": "伝えたいこと"}}
</tool_call>

まず気になることを調べてみよう。
<tool_call>
{"name": "search", "arguments": {"query": "`

// ToolDefinition is re-appended to the buffer after every compression and
// written at the end of every session snapshot. Unlike DefaultSeed it has
// no action triggers and no incomplete tags. Its text must stay
// byte-identical across compressions.
const ToolDefinition = `調べる時:
<tool_call>
{"name": "search", "arguments": {"query": "知りたいこと"}}
</tool_call>

Userに何を伝えようかな？:
<tool_call>
{"name": "message", "arguments": {"content": "伝えたいこと"}}
</tool_call>
`

// ChatFallbackSystem is the system instruction used when the completions
// endpoint fails and the client falls back to the chat endpoint.
const ChatFallbackSystem = "あなたは自律思考システムである。以下の文脈の続きを自由に生成せよ。"

// Compression builds the summarization prompt for a compression pass.
// tail is the most recent slice of the context buffer.
func Compression(tail string) string {
	return "以下の思考の流れから、最も重要な洞察と未解決の問いだけを抽出してください。" +
		"結論やまとめは不要。核心と次の問いだけ。\n\n思考:\n" + tail + "\n\n核心:"
}

// Search builds the instruction handed to the search collaborator.
func Search(query string) string {
	return "「" + query + "」について、事実に基づいた情報を簡潔に300文字以内で教えてください。箇条書き不要、要点のみ。"
}

// FillerPhrases are appended to the buffer, one per consecutive empty
// generation, to nudge a stalled model forward.
var FillerPhrases = [3]string{"\n\n次に", "\n\nそして", "\nさて、"}

// HumanTurn wraps a human message for injection into the buffer before
// generating a bounded reply.
func HumanTurn(message string) string {
	return "\n\n[User]: " + message + "\n\n[応答]:\n"
}
