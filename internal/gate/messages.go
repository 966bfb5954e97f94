package gate

type MessageID int

const (
	MsgGreeting MessageID = iota
	MsgGoodbye
	MsgInterruptAck
	MsgEmptyTranscription
	MsgMalformedEvent
	MsgProfanity
	MsgGenericApology
	MsgOutOfScope
)

const supportContact = "apoio@mozaitelecomunicacao.co.mz"

var catalog = map[Language]map[MessageID]string{
	Portuguese: {
		MsgGreeting:           "Olá! Bem-vindo à Mozaitelecomunicação. Como posso ajudá-lo hoje?",
		MsgGoodbye:            "Obrigado por contactar a Mozaitelecomunicação. Tenha um bom dia!",
		MsgInterruptAck:       "Entendo. Por favor, faça a sua pergunta novamente.",
		MsgEmptyTranscription: "Não ouvi nada. Por favor repita a sua pergunta.",
		MsgMalformedEvent:     "Desculpe, não consegui processar a sua mensagem. Por favor, tente novamente.",
		MsgProfanity:          "Desculpe, não posso responder a perguntas com linguagem inapropriada. Por favor, reformule sua pergunta de forma respeitosa.",
		MsgGenericApology:     "Desculpe, ocorreu um erro. Por favor, tente novamente.",
		MsgOutOfScope: "Desculpe, não tenho essa informação específica. Por favor, contacte " + supportContact +
			" ou visite nosso escritório na Av. Julius Nyerere, Nº 2500, Maputo.",
	},
	English: {
		MsgGreeting:           "Hello! Welcome to Mozaitelecomunicação. How can I help you today?",
		MsgGoodbye:            "Thank you for contacting Mozaitelecomunicação. Have a nice day!",
		MsgInterruptAck:       "Understood. Please ask your question again.",
		MsgEmptyTranscription: "I didn't hear anything. Please repeat your question.",
		MsgMalformedEvent:     "Sorry, I couldn't process your message. Please try again.",
		MsgProfanity:          "Sorry, I can't answer questions with inappropriate language. Please rephrase your question respectfully.",
		MsgGenericApology:     "Sorry, something went wrong. Please try again.",
		MsgOutOfScope: "Sorry, I don't have that specific information. Please contact " + supportContact +
			" or visit our office at Av. Julius Nyerere, Nº 2500, Maputo.",
	},
}

// Message returns the canned text for id in lang, falling back to
// Portuguese for unknown languages.
func Message(lang Language, id MessageID) string {
	texts, ok := catalog[lang]
	if !ok {
		texts = catalog[DefaultLanguage]
	}
	return texts[id]
}
