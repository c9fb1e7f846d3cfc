package middleware

import (
	"net/http"

	"golang.org/x/text/language"
)

// The community is bilingual; rejection messages follow the caller's
// Accept-Language between English and Portuguese.
var supportedLocales = language.NewMatcher([]language.Tag{
	language.English, // default
	language.Portuguese,
})

type localizedMessages struct {
	rateLimitExceeded string
	upgradeHint       string
	internalError     string
}

var messagesByLocale = map[language.Tag]localizedMessages{
	language.English: {
		rateLimitExceeded: "Rate limit exceeded. Please try again later.",
		upgradeHint:       "Sign in to get higher request limits.",
		internalError:     "Something went wrong. Please try again.",
	},
	language.Portuguese: {
		rateLimitExceeded: "Limite de pedidos excedido. Tente novamente mais tarde.",
		upgradeHint:       "Inicie sessão para obter limites mais elevados.",
		internalError:     "Ocorreu um erro. Tente novamente.",
	},
}

// messagesFor picks the message set for the request's Accept-Language.
func messagesFor(r *http.Request) localizedMessages {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return messagesByLocale[language.English]
	}
	_, index, _ := supportedLocales.Match(tags...)
	switch index {
	case 1:
		return messagesByLocale[language.Portuguese]
	default:
		return messagesByLocale[language.English]
	}
}
