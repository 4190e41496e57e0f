package config

func hosts(names ...string) []Mapping {
	out := make([]Mapping, 0, len(names))
	for _, n := range names {
		out = append(out, Mapping{Hostname: n})
	}
	return out
}

// Default returns the config written on first run: the groups known to be
// reachable with the SNI stripped.
func Default() *Config {
	return &Config{
		Groups: []Group{
			{
				Name: "Duckduckgo",
				DNS: hosts(
					"duck.com",
					"duckduckgo.com",
					"external-content.duckduckgo.com",
					"links.duckduckgo.com",
				),
			},
			{
				Name: "Github",
				DNS: hosts(
					"github.com",
					"avatars.githubusercontent.com",
					"avatars0.githubusercontent.com",
					"avatars1.githubusercontent.com",
					"avatars2.githubusercontent.com",
					"avatars3.githubusercontent.com",
					"camo.githubusercontent.com",
					"cloud.githubusercontent.com",
					"github.githubassets.com",
					"raw.githubusercontent.com",
					"user-images.githubusercontent.com",
				),
			},
			{
				Name: "Onedrive",
				DNS: hosts(
					"onedrive.com",
					"api.onedrive.com",
					"onedrive.live.com",
					"skyapi.onedrive.live.com",
				),
			},
			{
				Name: "Wikipedia",
				DNS: hosts(
					"zh.wikipedia.org",
					"en.wikipedia.org",
					"wikimedia.org",
					"login.wikimedia.org",
					"upload.wikimedia.org",
					"maps.wikimedia.org",
				),
			},
			{
				Name: "Twitch",
				DNS: hosts(
					"twitch.tv",
					"www.twitch.tv",
					"static.twitchcdn.net",
					"gql.twitch.tv",
				),
			},
		},
	}
}
