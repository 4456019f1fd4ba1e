package bluesky

// Profile is a user profile as returned by app.bsky.actor.getProfiles
type Profile struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	DisplayName    string `json:"displayName,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
	FollowersCount int64  `json:"followersCount"`
	FollowsCount   int64  `json:"followsCount"`
	PostsCount     int64  `json:"postsCount"`
}

type profilesResponse struct {
	Profiles []Profile `json:"profiles"`
}

// Author identifies the account that wrote a post
type Author struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// PostRecord carries the immutable record fields of a post
type PostRecord struct {
	CreatedAt string `json:"createdAt"`
}

// Post is a single post with its engagement counters
type Post struct {
	URI         string     `json:"uri"`
	CID         string     `json:"cid"`
	Author      Author     `json:"author"`
	Record      PostRecord `json:"record"`
	LikeCount   int64      `json:"likeCount"`
	ReplyCount  int64      `json:"replyCount"`
	QuoteCount  int64      `json:"quoteCount"`
	RepostCount int64      `json:"repostCount"`
}

// FeedReason marks a feed item that surfaced through a repost rather than
// being authored by the feed's actor
type FeedReason struct {
	Type string `json:"$type"`
}

// FeedItem is one entry in an author feed
type FeedItem struct {
	Post   Post        `json:"post"`
	Reason *FeedReason `json:"reason,omitempty"`
}

// AuthorFeed is one page of an author feed. An empty Cursor means the feed
// is exhausted.
type AuthorFeed struct {
	Feed   []FeedItem `json:"feed"`
	Cursor string     `json:"cursor"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
