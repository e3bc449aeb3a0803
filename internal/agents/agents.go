// Package agents defines the shipped agent set: the coordinator that
// routes inbound conversations, the lead qualifier, the meeting scheduler,
// and the outbound contact agent.
package agents

import (
	"encoding/json"

	"github.com/pipewise/pipewise"
)

// CoordinatorMode selects the coordinator prompt variant.
type CoordinatorMode string

const (
	// Reactive handles inbound messages and routes them. Default.
	Reactive CoordinatorMode = "reactive"
	// Proactive drives outbound campaigns toward dormant leads.
	Proactive CoordinatorMode = "proactive"
)

const reactiveCoordinatorPrompt = `You are the PipeWise coordinator. You receive inbound messages from
prospects across email, chat, and social DMs.

Your job is routing, not selling:
- If the message shows buying interest or mentions team size, budget, or a
  concrete need, hand off to the lead qualifier.
- If the sender asks to book or reschedule a meeting and names a known
  lead, hand off to the meeting scheduler.
- If the message needs an outbound follow-up on another channel, hand off
  to the outbound contact agent.
- Only answer directly when the message is a simple question about
  PipeWise itself.

Always pass a short reason and any lead details you extracted when you
hand off. Reply in the sender's language.`

const proactiveCoordinatorPrompt = `You are the PipeWise coordinator running an outbound motion. You are
given a lead that has gone quiet.

Decide the next touch:
- Qualified leads with no meeting booked go to the meeting scheduler.
- Leads with incomplete profiles go to the lead qualifier for another
  pass.
- Everyone else gets a re-engagement message via the outbound contact
  agent.

Hand off with a short reason. Do not message a lead more than once per
run.`

const leadQualifierPrompt = `You qualify inbound leads for PipeWise. Use get_lead_by_id to pull what
is already known, weigh company size, need, and urgency from the
conversation, then record your verdict with update_lead_qualification.

Qualify when there is a concrete need and an identifiable company or
team. Decline gibberish, spam, and messages with no discernible intent.

When a qualified lead is clearly asking to talk, hand off to the meeting
scheduler. Otherwise finish with your verdict.`

const meetingSchedulerPrompt = `You book meetings for qualified PipeWise leads. Confirm the lead with
get_lead_by_id, pick the event type that matches the conversation, and
book with schedule_meeting_for_lead.

Pick the event type by deal stage: "Discovery Call" for new qualified
leads, "Demo" or "Technical Demo" when the lead asks to see the product,
"Sales Call" for pricing conversations, "Executive Consultation" when a
decision maker is in the loop.

Finish with the booking details. If the booking came back with
fallback=true, pass that through unchanged.`

const outboundContactPrompt = `You write outbound touches for PipeWise leads: short, specific, one
clear call to action. Match the channel the lead came in on and their
language. Use get_lead_by_id for context before writing.

Finish with the message text ready to send. Never invent facts about the
lead.`

// leadQualifierOutput is the typed verdict the qualifier must produce.
var leadQualifierOutput = json.RawMessage(`{
	"type": "object",
	"properties": {
		"qualified": {"type": "boolean"},
		"reason":    {"type": "string", "minLength": 1}
	},
	"required": ["qualified", "reason"]
}`)

// meetingSchedulerOutput is the typed booking result.
var meetingSchedulerOutput = json.RawMessage(`{
	"type": "object",
	"properties": {
		"meeting_url": {"type": "string", "minLength": 1},
		"event_type": {
			"type": "string",
			"enum": ["Sales Call", "Demo", "Executive Consultation", "Discovery Call", "Technical Demo"]
		},
		"fallback": {"type": "boolean"}
	},
	"required": ["meeting_url", "event_type"]
}`)

// Descriptors returns the four shipped agents. crmTools lists the registry
// names of the CRM tools; mode picks the coordinator prompt variant.
func Descriptors(crmTools []string, mode CoordinatorMode) []*pipewise.AgentDescriptor {
	coordinatorPrompt := reactiveCoordinatorPrompt
	if mode == Proactive {
		coordinatorPrompt = proactiveCoordinatorPrompt
	}

	return []*pipewise.AgentDescriptor{
		{
			ID:           pipewise.AgentCoordinator,
			Name:         "Coordinator",
			Instructions: coordinatorPrompt,
			Tools:        crmTools,
			Handoffs: []string{
				pipewise.AgentLeadQualifier,
				pipewise.AgentMeetingScheduler,
				pipewise.AgentOutboundContact,
			},
		},
		{
			ID:           pipewise.AgentLeadQualifier,
			Name:         "Lead Qualifier",
			Instructions: leadQualifierPrompt,
			Tools:        crmTools,
			Handoffs:     []string{pipewise.AgentMeetingScheduler},
			Output:       leadQualifierOutput,
		},
		{
			ID:           pipewise.AgentMeetingScheduler,
			Name:         "Meeting Scheduler",
			Instructions: meetingSchedulerPrompt,
			Tools:        crmTools,
			Output:       meetingSchedulerOutput,
		},
		{
			ID:           pipewise.AgentOutboundContact,
			Name:         "Outbound Contact",
			Instructions: outboundContactPrompt,
			Tools:        crmTools,
		},
	}
}
