package notify

import (
	"fmt"
	"html"
)

// IncidentEmail renders the alert sent when a failure incident opens.
func IncidentEmail(endpointPath, classification string, occurrences int) (subject, body string) {
	subject = fmt.Sprintf("API200 incident: %s failing with %s", endpointPath, classification)
	body = fmt.Sprintf(
		"<h2>New incident</h2><p>Endpoint <code>%s</code> failed %d times in the last 24 hours with classification <strong>%s</strong>.</p>",
		html.EscapeString(endpointPath), occurrences, html.EscapeString(classification))
	return subject, body
}

// SchemaChangeEmail renders the alert sent when a response schema drifts.
func SchemaChangeEmail(endpointPath string, oldSchema, newSchema []byte) (subject, body string) {
	subject = fmt.Sprintf("API200 incident: response schema changed for %s", endpointPath)
	body = fmt.Sprintf(
		"<h2>Schema change detected</h2><p>Endpoint <code>%s</code> returned a response with a different structure.</p>"+
			"<h3>Previous</h3><pre>%s</pre><h3>Current</h3><pre>%s</pre>",
		html.EscapeString(endpointPath), html.EscapeString(string(oldSchema)), html.EscapeString(string(newSchema)))
	return subject, body
}
