package response

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// Accepted is returned for commands that continue as background tasks.
type Accepted struct {
	TaskID string `json:"task_id"`
	Task   string `json:"task"`
	Status string `json:"status"`
}

// WriteAccepted writes a 202 pointing at the task that carries the command.
func WriteAccepted(w http.ResponseWriter, taskID, name string) {
	w.Header().Set("Location", "/api/v1/tasks/"+taskID)
	WriteJSON(w, http.StatusAccepted, Accepted{TaskID: taskID, Task: name, Status: "running"})
}

// ListResponse wraps a list with its length.
type ListResponse struct {
	Items any `json:"items"`
	Count int `json:"count"`
}

func WriteList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	WriteJSON(w, http.StatusOK, ListResponse{Items: items, Count: len(items)})
}
