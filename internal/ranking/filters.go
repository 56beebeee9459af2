package ranking

import (
	"strings"
	"time"

	"feed-crawler/pkg/types"
)

// ApplyFilter applies the filter to a single post. An unknown count never
// satisfies a minimum, an unknown publish time never satisfies a date bound.
func ApplyFilter(post types.PostRecord, filter *types.PostFilter) bool {
	if !passesMin(post.Likes, filter.MinLikes) {
		return false
	}
	if !passesMin(post.Comments, filter.MinComments) {
		return false
	}
	if !passesMin(post.Views, filter.MinViews) {
		return false
	}

	if !passesTime(post.PublishedAt, filter, time.Now()) {
		return false
	}

	if len(filter.Keywords) > 0 && !containsAnyKeyword(post.Content, filter.Keywords) {
		return false
	}

	if len(filter.ExcludeKeywords) > 0 {
		contentLower := strings.ToLower(post.Content)
		for _, keyword := range filter.ExcludeKeywords {
			if strings.Contains(contentLower, strings.ToLower(keyword)) {
				return false
			}
		}
	}

	return true
}

func passesMin(v *int, min int) bool {
	if min <= 0 {
		return true
	}
	return v != nil && *v >= min
}

func passesTime(published *time.Time, filter *types.PostFilter, now time.Time) bool {
	bounded := filter.DaysBack > 0 || !filter.StartDate.IsZero() || !filter.EndDate.IsZero()
	if !bounded {
		return true
	}
	if published == nil {
		return false
	}
	if filter.DaysBack > 0 && published.Before(now.AddDate(0, 0, -filter.DaysBack)) {
		return false
	}
	if !filter.StartDate.IsZero() && published.Before(filter.StartDate) {
		return false
	}
	if !filter.EndDate.IsZero() && published.After(filter.EndDate) {
		return false
	}
	return true
}

// BatchFilter applies filters to multiple posts and returns statistics
func BatchFilter(posts []types.PostRecord, filter *types.PostFilter) ([]types.PostRecord, types.FilterStats) {
	var filtered []types.PostRecord
	stats := types.FilterStats{
		TotalPosts: len(posts),
	}

	now := time.Now()
	for _, post := range posts {
		if !passesMin(post.Likes, filter.MinLikes) {
			stats.LikesFiltered++
		}
		if !passesTime(post.PublishedAt, filter, now) {
			stats.TimeFiltered++
		}
		if len(filter.Keywords) > 0 && !containsAnyKeyword(post.Content, filter.Keywords) {
			stats.KeywordFiltered++
		}

		if ApplyFilter(post, filter) {
			filtered = append(filtered, post)
		}
	}

	stats.FilteredPosts = len(filtered)
	return filtered, stats
}

func containsAnyKeyword(content string, keywords []string) bool {
	contentLower := strings.ToLower(content)
	for _, keyword := range keywords {
		if strings.Contains(contentLower, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}
