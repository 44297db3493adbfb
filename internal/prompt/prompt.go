// Package prompt builds the task description handed to the agent.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
)

const taskTemplate = `Please help me apply to a job:

1. First, navigate to %s. If you see a disclaimer, click on the "Visit site" button; the website is safe.
2. If there is a login page, use the provided credentials to log in. Do not use them to create a new account.
3. If there are fields to fill, fill them with the information from the profile: %s
4. If a required field asks for information you do not have, leave it blank and mention it in your final summary.
5. If you need to upload a file, use the upload_resume action. The resume is at %s.
`

// BuildTask renders the application task for one run. The profile is inlined
// as JSON so the agent can quote exact values into form fields.
func BuildTask(targetURL string, profile map[string]any, resumePath, instructions string) string {
	profileJSON, err := json.Marshal(profile)
	if err != nil {
		// A profile that cannot marshal still has a usable string form.
		profileJSON = []byte(fmt.Sprintf("%v", profile))
	}

	task := fmt.Sprintf(taskTemplate, targetURL, profileJSON, resumePath)
	if trimmed := strings.TrimSpace(instructions); trimmed != "" {
		task += "\nHere are additional instructions: " + trimmed + "\n"
	}
	return task
}
