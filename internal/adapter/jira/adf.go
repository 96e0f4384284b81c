package jira

import (
	"encoding/json"
	"strings"
)

// adfNode is one node of an Atlassian Document Format tree.
type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

// ADFToText flattens an ADF document to plain text by walking the tree and
// concatenating text leaves. Paragraph boundaries become newlines. Plain
// string descriptions (pre-v3 payloads) pass through unchanged.
func ADFToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}

	var sb strings.Builder
	walkADF(&doc, &sb)
	return strings.TrimRight(sb.String(), "\n")
}

func walkADF(node *adfNode, sb *strings.Builder) {
	if node.Type == "text" {
		sb.WriteString(node.Text)
		return
	}
	for i := range node.Content {
		walkADF(&node.Content[i], sb)
	}
	switch node.Type {
	case "paragraph", "heading", "listItem", "codeBlock", "blockquote":
		sb.WriteString("\n")
	}
}

// TextToADF wraps plain text in a minimal ADF document, one paragraph per
// line. Jira's v3 create and comment endpoints require ADF bodies.
func TextToADF(text string) map[string]interface{} {
	var content []interface{}
	for _, line := range strings.Split(text, "\n") {
		para := map[string]interface{}{"type": "paragraph"}
		if line != "" {
			para["content"] = []interface{}{
				map[string]interface{}{"type": "text", "text": line},
			}
		}
		content = append(content, para)
	}
	return map[string]interface{}{
		"version": 1,
		"type":    "doc",
		"content": content,
	}
}
