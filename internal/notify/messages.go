package notify

import "strings"

// Push topics.
const (
	TopicIdeas      = "ideas"
	TopicActivities = "activities"
)

const (
	websiteLink     = `<a href = https://www.nature-net.org>www.nature-net.org</a>`
	ideasLink       = `<a href = https://www.nature-net.org/ideas>www.nature-net.org/ideas</a>`
	androidAppLink  = `<a href = "https://play.google.com/store/apps/details?id=org.naturenet&hl=en">Android version</a>`
	iosAppLink      = `<a href = "https://itunes.apple.com/us/app/naturenet/id1104382694">iOS version</a>`
	replySubjectLen = 15
)

// NewIdeaDevEmail tells a developer that a design idea was submitted.
func NewIdeaDevEmail(to, ideaID, content string) Email {
	return Email{
		To:      to,
		Subject: "[NatureNet] A new design idea was added.",
		Body: "Hi, \n\nA new design idea was just created by a NatureNet user. As your time allows, please review to see that it falls within project guidelines.\n\nThe design idea info:\nId: " +
			ideaID + "\nText: " + content + "\n\nRegards,\nNatureNet Team",
	}
}

// NewActivityDevEmail tells a developer that a project was created.
func NewActivityDevEmail(to, activityID, name, description string) Email {
	return Email{
		To:      to,
		Subject: "[NatureNet] A new project was added",
		Body: "Hi, \n\nA new project was just created by a NatureNet user. As your time allows, please review to see that it falls within project guidelines.\n\nThe project info:\nId: " +
			activityID + "\nName: " + name + "\nDescription: " + description + "\n\nRegards,\nNatureNet Team",
	}
}

// IdeaStatusLabel maps a stored idea status onto the phase name shown to users.
func IdeaStatusLabel(status string) string {
	if status == "doing" {
		return "discussing"
	}
	return status
}

func ideaStatusDescription(status string) string {
	switch status {
	case "done":
		return "We are happy to inform you that your design idea has been implemented in NatureNet. We appreciate your contribution and hope you will continue sending us your new design ideas."
	case "":
		return "The status of your NatureNet design idea has changed."
	default:
		return "Currently, your NatureNet design idea is in the <b>" + IdeaStatusLabel(status) + "</b> phase."
	}
}

// IdeaStatusChangeEmail tells a submitter that their idea moved to another phase.
func IdeaStatusChangeEmail(to, displayName, status, content string) Email {
	return Email{
		To:      to,
		Subject: "The status of your NatureNet design idea has changed.",
		Body: "<html><body><p>Dear " + displayName + ",<br /><br />" +
			ideaStatusDescription(status) + "<br /><br />" +
			"Your design idea:<br />\"" + content + "\"<br />See the design ideas on the website: " + ideasLink +
			"<br /><br />Sincerely,<br />NatureNet Project Team</p></body></html>",
		HTML: true,
	}
}

// IdeaStatusChangePush tells a submitter's device that their idea moved to another phase.
func IdeaStatusChangePush(ideaID, status string) Push {
	return Push{
		Title:   "Idea Status Change",
		Body:    "The status of your idea has changed to \"" + IdeaStatusLabel(status) + ".\"",
		Context: "ideas",
		Parent:  ideaID,
	}
}

// NewIdeaPush announces a design idea to the ideas topic.
func NewIdeaPush(ideaID string) Push {
	return Push{
		Title:   "New Design Idea",
		Body:    "Check out this new design idea. Do you want to comment?",
		Context: "ideas",
		Parent:  ideaID,
	}
}

// NewProjectPush announces a project to the activities topic.
func NewProjectPush(activityID string) Push {
	return Push{
		Title:   "New Project",
		Body:    "Check out our new project. Do you want to contribute?",
		Context: "activities",
		Parent:  activityID,
	}
}

// NewCommentEmail tells an owner that someone commented on their contribution. contextNoun is the singular
// entity name such as "observation".
func NewCommentEmail(to, commenterName, ownerName, contextNoun, comment string) Email {
	return Email{
		To:      to,
		Subject: commenterName + " commented on your NatureNet contribution",
		Body: "<html><body><p>Dear " + ownerName + ",<br /><br />" +
			"Recently, " + commenterName + " commented on your " + contextNoun + ":<br />" +
			"\"" + comment + "\"<br /><br />" +
			"Want to reply? Click <a href = https://www.nature-net.org>here</a> to reply, see others' contributions, or leave comments.<br /><br />" +
			"Don't forget to share your design ideas and/or comments on the NatureNet website and mobile apps. Your participation strengthens the community.<br /><br />" +
			"Sincerely, <br />NatureNet Project Team</p></body></html>",
		HTML: true,
	}
}

// NewCommentPush tells an owner's device about a comment on their contribution.
func NewCommentPush(commenterName, context, parent string) Push {
	return Push{
		Title:   "New Comment",
		Body:    commenterName + " commented on your " + SingularContext(context) + ".",
		Context: context,
		Parent:  parent,
	}
}

// NewReplyEmail tells an earlier thread participant about a new comment.
func NewReplyEmail(to, commenterName, participantName, comment string) Email {
	return Email{
		To:      to,
		Subject: commenterName + " comments on a NatureNet contribution: " + truncateRunes(comment, replySubjectLen) + "...",
		Body: "<html><body><p>Dear " + participantName + ",<br /><br />" +
			"Recently, " + commenterName + " commented:<br />" +
			"\"" + comment + "\"<br /><br />" +
			"See the comment thread in context: " + websiteLink + "<br /><br />" +
			"Sincerely, <br />NatureNet Project Team</p></body></html>",
		HTML: true,
	}
}

// NewReplyPush tells an earlier thread participant's device about a new comment.
func NewReplyPush(commenterName, context, parent string) Push {
	return Push{
		Title:   "New Comment",
		Body:    commenterName + " commented on a " + SingularContext(context) + ".",
		Context: context,
		Parent:  parent,
	}
}

// WelcomeEmail greets a newly provisioned member.
func WelcomeEmail(to, displayName string) Email {
	return Email{
		To:      to,
		Subject: "Welcome! You are now a member of the NatureNet Community",
		Body: "<html><body><p>Dear " + displayName + ",<br /><br />" +
			"Congratulations, you are now a NatureNet member!<br /><br />" +
			"To make an observation from out in the field please install our phone app which is available on both Android and iOS:<br />" +
			androidAppLink + "<br />" + iosAppLink + "<br /><br />" +
			"Don’t forget to tell us your design ideas--your suggestions for improving or adding new features or content to NatureNet--via the phone app or the NatureNet website at " +
			websiteLink + ".<br /><br />" +
			"Thank you for your interest in the NatureNet project, <br />" +
			"Naturenet Project Team</p></body></html>",
		HTML: true,
	}
}

// ObservationThanksEmail thanks an observer for a new observation.
func ObservationThanksEmail(to, displayName, observationID string) Email {
	return Email{
		To:      to,
		Subject: "Thank you for your NatureNet observation",
		Body: "<html><body><p>Dear " + displayName + ",<br /><br />" +
			"Thank you for sharing a new observation (" + observationID + ") with the NatureNet community. " +
			"Other members can now see, like and comment on it at " + websiteLink + ".<br /><br />" +
			"Sincerely,<br />NatureNet Project Team</p></body></html>",
		HTML: true,
	}
}

// IdeaThanksEmail thanks a submitter for a new design idea.
func IdeaThanksEmail(to, displayName, content string) Email {
	return Email{
		To:      to,
		Subject: "Thank you for your NatureNet design idea",
		Body: "<html><body><p>Dear " + displayName + ",<br /><br />" +
			"Thank you for your design idea:<br />\"" + content + "\"<br /><br />" +
			"The NatureNet team reviews every idea. You will hear from us when its status changes. See the design ideas on the website: " +
			ideasLink + "<br /><br />Sincerely,<br />NatureNet Project Team</p></body></html>",
		HTML: true,
	}
}

// ProjectCreatedEmail thanks a submitter for a new project.
func ProjectCreatedEmail(to, displayName, name, siteSummary string) Email {
	return Email{
		To:      to,
		Subject: "Your NatureNet project was created",
		Body: "<html><body><p>Dear " + displayName + ",<br /><br />" +
			"Your project <b>" + name + "</b> was created and is available at: " + siteSummary + ".<br /><br />" +
			"Invite others to contribute observations through the phone app or at " + websiteLink + ".<br /><br />" +
			"Sincerely,<br />NatureNet Project Team</p></body></html>",
		HTML: true,
	}
}

// SingularContext turns a collection name such as "observations" into its singular noun.
func SingularContext(context string) string {
	return strings.TrimSuffix(context, "s")
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
