// Package message renders notification text from user templates and the
// built-in default wording. Output uses the CQ inline markup understood by
// the OneBot gateway.
package message

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"time"

	"bililive-notifier/pkg/notifier"
)

// AtAll mentions every member when prefixed to a group message.
const AtAll = "[CQ:at,qq=all]"

// ResendPrefix marks a notification that is being re-sent after a failed
// delivery so recipients can tell it apart from a fresh post.
const ResendPrefix = "<补发>\n"

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// Format substitutes {name}-style placeholders in template from vars.
// Unknown placeholders are left verbatim.
func Format(template string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// Image returns inline-image markup referencing a URL or file.
func Image(ref string) string {
	if ref == "" {
		return ""
	}
	return "[CQ:image,file=" + ref + "]"
}

// ImageBytes returns inline-image markup embedding raw image data.
func ImageBytes(data []byte) string {
	return "[CQ:image,file=base64://" + base64.StdEncoding.EncodeToString(data) + "]"
}

// FormatDuration renders a live session length, e.g. 2小时5分30秒.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int64(d / time.Second)
	return fmt.Sprintf("%d小时%d分%d秒", seconds/3600, seconds%3600/60, seconds%60)
}

// ActionText returns the wording for what the creator did.
func ActionText(kind notifier.ContentKind) string {
	switch kind {
	case notifier.KindForward:
		return "转发了动态"
	case notifier.KindVideo:
		return "投稿了新视频"
	case notifier.KindArticle:
		return "发布了专栏"
	default:
		return "发新动态了"
	}
}

// DefaultLiveStart is the built-in live start wording. Resume sessions get
// distinct wording so a short interruption does not read like a fresh stream.
func DefaultLiveStart(resume bool, name, title, link, cover string) string {
	verb := "开播啦"
	if resume {
		verb = "已重新开播"
	}
	return fmt.Sprintf("%s %s！【%s】\n%s\n%s", name, verb, title, link, Image(cover))
}

// DefaultLiveEnd is the built-in live end wording.
func DefaultLiveEnd(name string, duration time.Duration) string {
	return fmt.Sprintf("%s 下播了。\n本次直播时长：%s", name, FormatDuration(duration))
}

// DefaultDynamic is the built-in dynamic wording.
func DefaultDynamic(author string, kind notifier.ContentKind, link, image string) string {
	return fmt.Sprintf("%s %s\n%s\n%s", author, ActionText(kind), link, image)
}
