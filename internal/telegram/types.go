package telegram

// Update is the inbound webhook payload delivered by the bot transport.
// Only the fields the correlator needs are modeled.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is one chat message inside an Update.
type Message struct {
	MessageID int64    `json:"message_id"`
	From      *User    `json:"from"`
	Chat      *Chat    `json:"chat"`
	Text      string   `json:"text"`
	ReplyTo   *Message `json:"reply_to_message"`
}

// User identifies the sender of a message. Note that the sender of a reply is
// not necessarily the configured account owner.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// IsReply reports whether the message references a prior message in-thread.
func (m *Message) IsReply() bool {
	return m != nil && m.ReplyTo != nil && m.ReplyTo.MessageID > 0
}

// sendMessageRequest is the body of a sendMessage call.
type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// sendMessageResponse is the transport's reply to sendMessage. The assigned
// message id is the half of the correlation key the supervisor needs.
type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}
