package httpapi

import "net/http"

type voiceSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Gender string `json:"gender"`
	Style  string `json:"style"`
}

type voiceCatalog struct {
	NaturalFemale []voiceSummary `json:"natural_female"`
	NaturalMale   []voiceSummary `json:"natural_male"`
	VarietyFemale []voiceSummary `json:"variety_female"`
	VarietyMale   []voiceSummary `json:"variety_male"`
}

// voices are the prompts shipped with the speech backend.
var voices = voiceCatalog{
	NaturalFemale: []voiceSummary{
		{ID: "NATF0", Name: "Nova", Gender: "female", Style: "warm, conversational"},
		{ID: "NATF1", Name: "Aria", Gender: "female", Style: "clear, professional"},
		{ID: "NATF2", Name: "Luna", Gender: "female", Style: "friendly, engaging"},
		{ID: "NATF3", Name: "Sage", Gender: "female", Style: "calm, thoughtful"},
	},
	NaturalMale: []voiceSummary{
		{ID: "NATM0", Name: "Atlas", Gender: "male", Style: "confident, articulate"},
		{ID: "NATM1", Name: "Orion", Gender: "male", Style: "warm, approachable"},
		{ID: "NATM2", Name: "Felix", Gender: "male", Style: "energetic, upbeat"},
		{ID: "NATM3", Name: "Reed", Gender: "male", Style: "deep, composed"},
	},
	VarietyFemale: varietyVoices("F", "female"),
	VarietyMale:   varietyVoices("M", "male"),
}

func varietyVoices(letter, gender string) []voiceSummary {
	out := make([]voiceSummary, 0, 5)
	for i := 0; i < 5; i++ {
		n := string(rune('0' + i))
		out = append(out, voiceSummary{
			ID:     "VAR" + letter + n,
			Name:   "Vox-" + letter + n,
			Gender: gender,
			Style:  "varied",
		})
	}
	return out
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, voices)
}
