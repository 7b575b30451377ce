package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
)

var prefetchKeyRE = regexp.MustCompile(`(?i)"apiPrefetchCache"\s*:\s*\[`)

// jsonArrayAt returns the balanced JSON array starting at the first '[' at or
// after start. Brackets inside strings are ignored.
func jsonArrayAt(text string, start int) (string, bool) {
	i := strings.IndexByte(text[start:], '[')
	if i < 0 {
		return "", false
	}
	i += start
	depth := 0
	inStr, esc := false, false
	for j := i; j < len(text); j++ {
		ch := text[j]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[i : j+1], true
			}
		}
	}
	return "", false
}

type prefetchEntry struct {
	Method   string          `json:"method"`
	Response json.RawMessage `json:"response"`
}

// obj is a loosely typed JSON object; the cache mixes numbers, numeric
// strings and nulls for the same fields across accounts.
type obj map[string]any

func decodeObj(raw json.RawMessage) obj {
	if len(raw) == 0 {
		return obj{}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out obj
	if err := dec.Decode(&out); err != nil || out == nil {
		return obj{}
	}
	return out
}

func (o obj) str(key string) string {
	switch v := o[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (o obj) num(key string) (int64, bool) {
	switch v := o[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (o obj) int(key string) int64 {
	n, _ := o.num(key)
	return n
}

func (o obj) intPtr(key string) *int {
	n, ok := o.num(key)
	if !ok {
		return nil
	}
	v := int(n)
	return &v
}

func (o obj) truthy(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case json.Number:
		return v.String() != "0"
	case string:
		return v != "" && v != "0"
	default:
		return false
	}
}

func (o obj) child(key string) obj {
	if m, ok := o[key].(map[string]any); ok {
		return obj(m)
	}
	return obj{}
}

func (o obj) list(key string) []obj {
	raw, ok := o[key].([]any)
	if !ok {
		return nil
	}
	out := make([]obj, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			out = append(out, obj(m))
		}
	}
	return out
}

func (o obj) raw(key string) json.RawMessage {
	v, ok := o[key]
	if !ok || v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Profile parses a profile page into a bundle. Deleted, banned and private
// accounts carry no usable API cache and yield an empty bundle with a nil
// error; only a cache that is present but malformed is an error.
func (e *Extractor) Profile(payload []byte, userID int64) (crawler.ProfileBundle, error) {
	doc := string(payload)
	loc := prefetchKeyRE.FindStringIndex(doc)
	if loc == nil {
		e.logger.Debug("profile has no prefetch cache", zap.Int64("user_id", userID))
		return crawler.ProfileBundle{}, nil
	}
	arr, ok := jsonArrayAt(doc, loc[1]-1)
	if !ok {
		return crawler.ProfileBundle{}, fmt.Errorf("profile %d: unbalanced prefetch array", userID)
	}
	var entries []prefetchEntry
	if err := json.Unmarshal([]byte(arr), &entries); err != nil {
		return crawler.ProfileBundle{}, fmt.Errorf("decode prefetch cache for %d: %w", userID, err)
	}
	byMethod := make(map[string]json.RawMessage, len(entries))
	for _, it := range entries {
		if it.Method != "" {
			byMethod[it.Method] = it.Response
		}
	}
	bundle := e.buildBundle(byMethod)
	if bundle.Empty() {
		e.logger.Debug("profile prefetch cache has no user", zap.Int64("user_id", userID), zap.Int("methods", len(byMethod)))
		return crawler.ProfileBundle{}, nil
	}
	e.logger.Debug("profile parsed",
		zap.Int64("user_id", bundle.Profile.UserID),
		zap.Int("methods", len(byMethod)),
		zap.Int("friends", len(bundle.Friends)),
		zap.Int("photos", len(bundle.Photos)),
	)
	return bundle, nil
}

func (e *Extractor) buildBundle(byMethod map[string]json.RawMessage) crawler.ProfileBundle {
	var users []json.RawMessage
	_ = json.Unmarshal(byMethod["users.get"], &users)
	u := obj{}
	if len(users) > 0 {
		u = decodeObj(users[0])
	}

	b := crawler.ProfileBundle{
		Profile:     profileFrom(u),
		Counters:    make(map[string]int64),
		CollectedAt: e.now(),
	}

	counters := u.child("counters")
	for _, name := range crawler.CounterNames {
		if n, ok := counters.num(name); ok {
			b.Counters[name] = n
		}
	}

	friends := decodeObj(byMethod["friends.get"])
	followers := decodeObj(byMethod["users.getFollowers"])
	subs := decodeObj(byMethod["users.getSubscriptions"])
	photos := decodeObj(byMethod["photos.get"])
	videos := decodeObj(byMethod["video.get"])

	overrides := []struct {
		name string
		resp obj
	}{
		{"friends", friends},
		{"followers", followers},
		{"subscriptions", subs},
		{"photos", photos},
		{"videos", videos},
	}
	for _, o := range overrides {
		if n, ok := o.resp.num("count"); ok {
			b.Counters[o.name] = n
		}
	}
	if n, ok := followers.num("count"); ok {
		b.Profile.FollowersCount = &n
	}

	personal := u.child("personal")
	b.Personal = crawler.Personal{
		Alcohol:    personal.intPtr("alcohol"),
		InspiredBy: personal.str("inspired_by"),
		LifeMain:   personal.intPtr("life_main"),
		PeopleMain: personal.intPtr("people_main"),
		Religion:   personal.str("religion"),
		ReligionID: personal.intPtr("religion_id"),
		Smoking:    personal.intPtr("smoking"),
	}
	if langs, ok := personal["langs"].([]any); ok {
		for _, l := range langs {
			if s, ok := l.(string); ok && s != "" {
				b.Languages = append(b.Languages, s)
			}
		}
	}

	for _, it := range u.list("universities") {
		b.Universities = append(b.Universities, crawler.University{
			ID:          it.int("id"),
			Name:        it.str("name"),
			FacultyID:   it.int("faculty"),
			FacultyName: it.str("faculty_name"),
			ChairID:     it.int("chair"),
			ChairName:   it.str("chair_name"),
			Graduation:  int(it.int("graduation")),
		})
	}
	for _, it := range u.list("schools") {
		b.Schools = append(b.Schools, crawler.School{
			ID:            it.str("id"),
			Name:          it.str("name"),
			YearFrom:      int(it.int("year_from")),
			YearTo:        int(it.int("year_to")),
			YearGraduated: int(it.int("year_graduated")),
			Class:         it.str("class"),
			Speciality:    it.str("speciality"),
		})
	}
	for _, it := range u.list("career") {
		b.Careers = append(b.Careers, crawler.Career{
			Company:   it.str("company"),
			Position:  it.str("position"),
			CityID:    it.int("city_id"),
			CityTitle: it.str("city_name"),
			From:      int(it.int("from")),
			Until:     int(it.int("until")),
		})
	}

	for _, it := range friends.list("items") {
		b.Friends = append(b.Friends, userSample(it))
	}
	for _, it := range followers.list("items") {
		b.Followers = append(b.Followers, userSample(it))
	}
	for _, it := range subs.list("items") {
		b.Subscriptions = append(b.Subscriptions, crawler.GroupSample{
			GroupID:     it.int("id"),
			Name:        it.str("name"),
			ScreenName:  it.str("screen_name"),
			Type:        it.str("type"),
			Description: it.str("description"),
			Photo100:    it.str("photo_100"),
		})
	}
	for _, it := range photos.list("items") {
		sizes := it.raw("sizes")
		if sizes == nil {
			sizes = json.RawMessage("[]")
		}
		b.Photos = append(b.Photos, crawler.Photo{
			PhotoID: it.int("id"),
			AlbumID: it.int("album_id"),
			OwnerID: it.int("owner_id"),
			Date:    it.int("date"),
			URLBase: it.child("orig_photo").str("url"),
			Sizes:   sizes,
		})
	}
	for _, it := range videos.list("items") {
		v := crawler.VideoSample{
			OwnerID:     it.int("owner_id"),
			VideoID:     it.int("id"),
			Date:        it.int("date"),
			Title:       it.str("title"),
			Description: it.str("description"),
			Duration:    it.int("duration"),
			Views:       it.int("views"),
			Comments:    it.int("comments"),
			Likes:       it.child("likes").int("count"),
			Reposts:     it.child("reposts").int("count"),
			PlayerURL:   it.str("player"),
		}
		if imgs := it.list("image"); len(imgs) > 0 {
			v.ImageURL = imgs[0].str("url")
		}
		b.Videos = append(b.Videos, v)
	}
	return b
}

func profileFrom(u obj) crawler.Profile {
	contacts := u.child("contacts")
	lastSeen := u.child("last_seen")
	p := crawler.Profile{
		UserID:           u.int("id"),
		ScreenName:       u.str("screen_name"),
		Domain:           u.str("domain"),
		FirstName:        u.str("first_name"),
		LastName:         u.str("last_name"),
		Nickname:         u.str("nickname"),
		Sex:              int(u.int("sex")),
		BDate:            u.str("bdate"),
		CityID:           u.child("city").int("id"),
		CityTitle:        u.child("city").str("title"),
		CountryID:        u.child("country").int("id"),
		CountryTitle:     u.child("country").str("title"),
		HomeTown:         u.str("home_town"),
		Verified:         u.truthy("verified"),
		FollowersModeOn:  u.truthy("is_followers_mode_on"),
		Status:           u.str("status"),
		Activity:         u.str("activity"),
		About:            u.str("about"),
		Interests:        u.str("interests"),
		Books:            u.str("books"),
		TV:               u.str("tv"),
		Quotes:           u.str("quotes"),
		Games:            u.str("games"),
		Movies:           u.str("movies"),
		Music:            u.str("music"),
		Site:             u.str("site"),
		MobilePhone:      firstString(contacts.str("mobile_phone"), u.str("mobile_phone")),
		HomePhone:        firstString(contacts.str("home_phone"), u.str("home_phone")),
		Photo200:         u.str("photo_200"),
		PhotoMax:         u.str("photo_max"),
		Online:           u.truthy("online"),
		LastSeenTS:       lastSeen.int("time"),
		LastSeenPlatform: int(lastSeen.int("platform")),
	}
	if p.LastSeenTS == 0 {
		p.LastSeenTS = u.child("online_info").int("last_seen")
	}
	if n, ok := u.num("followers_count"); ok {
		p.FollowersCount = &n
	}
	if imgs := u.child("cover").list("images"); len(imgs) > 0 {
		p.CoverPhotoURL = imgs[0].str("url")
	}
	return p
}

func userSample(it obj) crawler.UserSample {
	return crawler.UserSample{
		UserID:    it.int("id"),
		Domain:    it.str("domain"),
		FirstName: it.str("first_name"),
		LastName:  it.str("last_name"),
		Sex:       int(it.int("sex")),
		Online:    it.truthy("online"),
		Photo100:  it.str("photo_100"),
	}
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
