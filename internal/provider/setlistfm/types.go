package setlistfm

import "encoding/json"

type setlistsResponse struct {
	Type         string            `json:"type"`
	ItemsPerPage int               `json:"itemsPerPage"`
	Page         int               `json:"page"`
	Total        int               `json:"total"`
	Setlist      []json.RawMessage `json:"setlist"`
}

type setlist struct {
	ID        string `json:"id"`
	EventDate string `json:"eventDate"`
	Artist    artist `json:"artist"`
	Venue     venue  `json:"venue"`
	Tour      *struct {
		Name string `json:"name"`
	} `json:"tour"`
	Info string `json:"info"`
	Sets struct {
		Set []struct {
			Name   string `json:"name"`
			Encore int    `json:"encore"`
			Song   []struct {
				Name string `json:"name"`
			} `json:"song"`
		} `json:"set"`
	} `json:"sets"`
	URL string `json:"url"`
}

type artist struct {
	MBID           string `json:"mbid"`
	Name           string `json:"name"`
	SortName       string `json:"sortName"`
	Disambiguation string `json:"disambiguation"`
}

type venue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	City struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		State  string `json:"state"`
		Coords *struct {
			Lat  float64 `json:"lat"`
			Long float64 `json:"long"`
		} `json:"coords"`
		Country struct {
			Code string `json:"code"`
			Name string `json:"name"`
		} `json:"country"`
	} `json:"city"`
}
