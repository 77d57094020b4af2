package fedora

import (
	"fmt"
	"strings"
)

// Content types of the SPARQL requests.
const (
	ContentTypeSparqlUpdate = "application/sparql-update"
	ContentTypeSparqlQuery  = "application/sparql-query"
	AcceptSparqlResults     = "application/sparql-results+json"
)

const titlePredicate = "http://purl.org/dc/elements/1.1/title"

// InsertTitle adds a title triple to the resource the update is sent to.
func InsertTitle(title string) string {
	return fmt.Sprintf("INSERT DATA { <> <%s> %s . }", titlePredicate, literal(title))
}

// ReplaceTitle swaps whatever title the resource has for title.
func ReplaceTitle(title string) string {
	return fmt.Sprintf(
		"DELETE { <> <%[1]s> ?o } INSERT { <> <%[1]s> %[2]s } WHERE { <> <%[1]s> ?o }",
		titlePredicate, literal(title),
	)
}

// DeleteTitle removes every title triple of the resource.
func DeleteTitle() string {
	return fmt.Sprintf("DELETE WHERE { <> <%s> ?o }", titlePredicate)
}

// SelectTitle queries the titles of subject.
func SelectTitle(subject string) string {
	return fmt.Sprintf("SELECT ?title WHERE { <%s> <%s> ?title }", subject, titlePredicate)
}

var literalEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)

func literal(s string) string {
	return `"` + literalEscaper.Replace(s) + `"`
}
