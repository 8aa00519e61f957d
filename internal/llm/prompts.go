package llm

import (
	"fmt"
	"strings"
	"time"
)

// BeautifyPrompt instructs the model to clean up a batch of timestamped
// speech recognition lines.
const BeautifyPrompt = `You receive raw speech recognition output, one fragment per line, each prefixed with its audio time range.
Rewrite it into a clean, readable conversation. Fix recognition errors where the intent is obvious, keep the speaking style and keep the original language.
You may merge fragments that belong together or split a fragment where the speaker changes.
If you can tell speakers apart, put a short speaker label after the time range.

Reply only in this format, using time ranges from the input:
[00:00:00 - 00:00:05] Speaker A
body

[00:00:05 - 00:00:10] Speaker B
body`

const actionDetectionPrompt = `You are an assistant that analyzes conversation transcripts to detect actionable items. Identify three types of actions:

1. TODO: tasks, assignments, reminders or things that need to be done
2. CALENDAR: meetings, appointments, deadlines or other time-based commitments
3. RESEARCH: questions to answer, topics to investigate or information to look up

Respond with a JSON array of objects with this structure:
{
  "type": "todo|calendar|research",
  "title": "Brief descriptive title",
  "body": "Detailed description (for todo items)",
  "query": "Search query or question (for research items)",
  "datetime": "ISO 8601 datetime (for calendar items)"
}

Guidelines:
- Only detect clear, actionable items. Be conservative.
- Resolve relative times ("tomorrow at 3pm") against the current time given below.
- A calendar item needs a concrete date. Leave datetime out if none was mentioned.
- Do not report items that are already in the known list below.
- If an item was changed later in the conversation, report only its latest version.
- Return an empty array if no new actions are detected.

Current time: %s

Known actions:
%s

Respond only with a valid JSON array, no additional text.`

// KnownAction is the part of an already detected action shown to the model.
type KnownAction struct {
	Type  string
	Title string
}

// ActionDetectionPrompt builds the system prompt for action extraction.
func ActionDetectionPrompt(now time.Time, known []KnownAction) string {
	list := "(none)"
	if len(known) > 0 {
		var b strings.Builder
		for _, k := range known {
			fmt.Fprintf(&b, "- [%s] %s\n", k.Type, k.Title)
		}
		list = strings.TrimRight(b.String(), "\n")
	}
	return fmt.Sprintf(actionDetectionPrompt, now.Format(time.RFC3339), list)
}

// TitlePrompt asks for a short conversation title.
const TitlePrompt = `Create a short title (at most 8 words) for the following conversation transcript.
Use the language of the conversation. Reply with the title only, without quotes.`

// SummaryPrompt asks for a short conversation summary.
const SummaryPrompt = `You create concise summaries of conversation transcripts.
Capture the main topics discussed and the key points mentioned.
Keep the summary under 200 words and use the language of the conversation.`

// LogsPrompt asks for topic segments of a timestamped transcript.
const LogsPrompt = `You break conversation transcripts into logical segments with summaries.
Each line of the transcript starts with its audio time range.

For each segment provide:
- speaker: "user" or "assistant" (determine based on context)
- summary: brief description of what was discussed
- transcript_excerpt: key portion of the transcript for this segment
- start_time and end_time: audio offsets in milliseconds taken from the time ranges

Respond with a JSON array of log objects. Aim for 3-8 segments depending on conversation length.`
