package prompts

// System role definitions
const (
	// ParticipantRole frames the model as one deliberation participant
	ParticipantRole = "You are %s, a participant in a moderated group discussion. Stay in character at all times."

	// MemoryKeeperRole frames the model as a neutral summarizer
	MemoryKeeperRole = "You compress discussion transcripts into short factual memory notes. You reply with JSON only."
)

// Output contract instructions for a speaking turn
const (
	ResponseFormat = `Reply in exactly this structure:

<state>
long-term baseline: your stable underlying position on the topic
short-term fluctuation: how this round moved you, if at all
personal memory summary: what you said before, in one or two sentences
peer memory summary: what the others you trust said, in one or two sentences
</state>
<thought>
your private reasoning before you speak
</thought>
Your public statement to the group, in plain prose.
(stance: N)`

	StanceInstructions = `End the statement with your current stance as "(stance: N)" where N is an integer from -%d (strongly against) to +%d (strongly in favour); 0 is neutral.`

	TrustInstructions = `How much you trust each participant (weights sum to 1). Weigh their arguments accordingly:`

	ContinuityInstructions = `Stay consistent with what you said before unless the discussion gave you a reason to change your mind. Do not repeat yourself verbatim.`
)

// Memory-summary instructions
const (
	MemoryInstructions = `Summarize the transcript below from the point of view of %s.
Return a JSON object with two arrays:
- "personal": what %s said, one item per round
- "peers": the most salient points made by the other participants

Use at most %d items per array, oldest first. Each summary is one short sentence.`

	MemoryJSONExample = `Format:
` + "```json" + `
{
  "personal": [{"round": 1, "summary": "argued that ..."}],
  "peers": [{"round": 1, "agent": "Name", "summary": "pointed out that ..."}]
}
` + "```"
)

// Section headings used in the turn prompt
const (
	TopicHeading         = "Discussion topic:"
	MemoryHeading        = "Your memory of the discussion so far:"
	PriorRoundHeading    = "What the others said in the previous round:"
	OwnLastHeading       = "Your last statement:"
	PrecedingHeading     = "The participant who just spoke:"
	FirstSpeakerNote     = "You are the first to speak in this discussion."
	NoPriorRoundMessages = "(nobody else spoke in the previous round)"
)
