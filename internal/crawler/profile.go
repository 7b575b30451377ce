package crawler

import (
	"encoding/json"
	"time"
)

// CounterNames lists the profile counters tracked per user, in storage order.
var CounterNames = []string{
	"albums",
	"audios",
	"followers",
	"friends",
	"groups",
	"online_friends",
	"pages",
	"photos",
	"subscriptions",
	"videos",
	"video_playlists",
	"mutual_friends",
	"clips_followers",
	"clips_views",
	"clips_likes",
}

// Profile is the flat part of a user profile.
type Profile struct {
	UserID           int64  `json:"user_id"`
	ScreenName       string `json:"screen_name,omitempty"`
	Domain           string `json:"domain,omitempty"`
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	Nickname         string `json:"nickname,omitempty"`
	Sex              int    `json:"sex,omitempty"`
	BDate            string `json:"bdate,omitempty"`
	CityID           int64  `json:"city_id,omitempty"`
	CityTitle        string `json:"city_title,omitempty"`
	CountryID        int64  `json:"country_id,omitempty"`
	CountryTitle     string `json:"country_title,omitempty"`
	HomeTown         string `json:"home_town,omitempty"`
	Verified         bool   `json:"verified"`
	FollowersModeOn  bool   `json:"is_followers_mode_on"`
	Status           string `json:"status,omitempty"`
	Activity         string `json:"activity,omitempty"`
	About            string `json:"about,omitempty"`
	Interests        string `json:"interests,omitempty"`
	Books            string `json:"books,omitempty"`
	TV               string `json:"tv,omitempty"`
	Quotes           string `json:"quotes,omitempty"`
	Games            string `json:"games,omitempty"`
	Movies           string `json:"movies,omitempty"`
	Music            string `json:"music,omitempty"`
	Site             string `json:"site,omitempty"`
	MobilePhone      string `json:"mobile_phone,omitempty"`
	HomePhone        string `json:"home_phone,omitempty"`
	Photo200         string `json:"photo_200,omitempty"`
	PhotoMax         string `json:"photo_max,omitempty"`
	CoverPhotoURL    string `json:"cover_photo_url,omitempty"`
	Online           bool   `json:"online"`
	LastSeenTS       int64  `json:"last_seen_ts,omitempty"`
	LastSeenPlatform int    `json:"last_seen_platform,omitempty"`
	FollowersCount   *int64 `json:"followers_count,omitempty"`
}

// Personal holds the "life position" block.
type Personal struct {
	Alcohol    *int   `json:"alcohol,omitempty"`
	InspiredBy string `json:"inspired_by,omitempty"`
	LifeMain   *int   `json:"life_main,omitempty"`
	PeopleMain *int   `json:"people_main,omitempty"`
	Religion   string `json:"religion,omitempty"`
	ReligionID *int   `json:"religion_id,omitempty"`
	Smoking    *int   `json:"smoking,omitempty"`
}

// University is one higher-education entry.
type University struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	FacultyID   int64  `json:"faculty,omitempty"`
	FacultyName string `json:"faculty_name,omitempty"`
	ChairID     int64  `json:"chair,omitempty"`
	ChairName   string `json:"chair_name,omitempty"`
	Graduation  int    `json:"graduation,omitempty"`
}

// School is one secondary-education entry.
type School struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	YearFrom      int    `json:"year_from,omitempty"`
	YearTo        int    `json:"year_to,omitempty"`
	YearGraduated int    `json:"year_graduated,omitempty"`
	Class         string `json:"class,omitempty"`
	Speciality    string `json:"speciality,omitempty"`
}

// Career is one employment entry.
type Career struct {
	Company   string `json:"company,omitempty"`
	Position  string `json:"position,omitempty"`
	CityID    int64  `json:"city_id,omitempty"`
	CityTitle string `json:"city_name,omitempty"`
	From      int    `json:"from,omitempty"`
	Until     int    `json:"until,omitempty"`
}

// UserSample is a friend or follower preview.
type UserSample struct {
	UserID    int64  `json:"id"`
	Domain    string `json:"domain,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Sex       int    `json:"sex,omitempty"`
	Online    bool   `json:"online"`
	Photo100  string `json:"photo_100,omitempty"`
}

// GroupSample is a subscription preview.
type GroupSample struct {
	GroupID     int64  `json:"id"`
	Name        string `json:"name,omitempty"`
	ScreenName  string `json:"screen_name,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Photo100    string `json:"photo_100,omitempty"`
}

// Photo is one profile photo with its size ladder kept verbatim.
type Photo struct {
	PhotoID int64           `json:"id"`
	AlbumID int64           `json:"album_id,omitempty"`
	OwnerID int64           `json:"owner_id,omitempty"`
	Date    int64           `json:"date,omitempty"`
	URLBase string          `json:"url_base,omitempty"`
	Sizes   json.RawMessage `json:"sizes,omitempty"`
}

// VideoSample is a profile video preview.
type VideoSample struct {
	OwnerID     int64  `json:"owner_id"`
	VideoID     int64  `json:"id"`
	Date        int64  `json:"date,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Duration    int64  `json:"duration,omitempty"`
	Views       int64  `json:"views,omitempty"`
	Comments    int64  `json:"comments,omitempty"`
	Likes       int64  `json:"likes,omitempty"`
	Reposts     int64  `json:"reposts,omitempty"`
	PlayerURL   string `json:"player,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// ProfileBundle is everything harvested for one user. Child collections are
// replaced wholesale on every save.
type ProfileBundle struct {
	Profile       Profile          `json:"profile"`
	Counters      map[string]int64 `json:"counters"`
	Personal      Personal         `json:"personal"`
	Languages     []string         `json:"languages,omitempty"`
	Universities  []University     `json:"universities,omitempty"`
	Schools       []School         `json:"schools,omitempty"`
	Careers       []Career         `json:"careers,omitempty"`
	Friends       []UserSample     `json:"friends_sample,omitempty"`
	Followers     []UserSample     `json:"followers_sample,omitempty"`
	Subscriptions []GroupSample    `json:"subscriptions_sample,omitempty"`
	Photos        []Photo          `json:"photos,omitempty"`
	Videos        []VideoSample    `json:"videos_sample,omitempty"`
	CollectedAt   time.Time        `json:"collected_at"`
}

// Empty reports whether nothing was recovered for the user.
func (b ProfileBundle) Empty() bool {
	return b.Profile.UserID == 0
}

// ProfileItem is one child row of a bundle in storage-neutral form.
type ProfileItem struct {
	Kind     string
	Position int
	Payload  []byte
}

// Items flattens the child collections for storage backends that keep them
// in a single kind/position/payload table.
func (b ProfileBundle) Items() ([]ProfileItem, error) {
	var items []ProfileItem
	add := func(kind string, n int, at func(int) any) error {
		for i := 0; i < n; i++ {
			payload, err := json.Marshal(at(i))
			if err != nil {
				return err
			}
			items = append(items, ProfileItem{Kind: kind, Position: i, Payload: payload})
		}
		return nil
	}
	if b.Personal != (Personal{}) {
		if err := add("personal", 1, func(int) any { return b.Personal }); err != nil {
			return nil, err
		}
	}
	groups := []struct {
		kind string
		n    int
		at   func(int) any
	}{
		{"language", len(b.Languages), func(i int) any { return b.Languages[i] }},
		{"university", len(b.Universities), func(i int) any { return b.Universities[i] }},
		{"school", len(b.Schools), func(i int) any { return b.Schools[i] }},
		{"career", len(b.Careers), func(i int) any { return b.Careers[i] }},
		{"friend", len(b.Friends), func(i int) any { return b.Friends[i] }},
		{"follower", len(b.Followers), func(i int) any { return b.Followers[i] }},
		{"subscription", len(b.Subscriptions), func(i int) any { return b.Subscriptions[i] }},
		{"photo", len(b.Photos), func(i int) any { return b.Photos[i] }},
		{"video", len(b.Videos), func(i int) any { return b.Videos[i] }},
	}
	for _, g := range groups {
		if err := add(g.kind, g.n, g.at); err != nil {
			return nil, err
		}
	}
	return items, nil
}
