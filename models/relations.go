package models

// Relation names of the remote store consumed by the synchronizers.
const (
	RelationProfiles     = "profiles"
	RelationChats        = "chats"
	RelationParticipants = "chat_participants"
	RelationMessages     = "messages"
	RelationReadStatus   = "message_read_status"
	RelationReactions    = "message_reactions"
	RelationFiles        = "files"
)
