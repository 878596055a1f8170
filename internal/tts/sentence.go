package tts

import (
	"strings"
	"unicode/utf8"
)

// extractSentence 尝试从文本中提取第一个完整句子。
func extractSentence(text string) (string, string, bool) {
	sentenceEnders := []rune{'。', '！', '？', '；', '.', '!', '?', '\n'}
	for i, r := range text {
		for _, ender := range sentenceEnders {
			if r == ender {
				splitAt := i + utf8.RuneLen(r)
				return text[:splitAt], text[splitAt:], true
			}
		}
	}
	return "", text, false
}

// mergeSentences 将文本按句分割后合并为块，每块不超过 maxChars 个字符。
// 流式合成按块交付，块越小首包延迟越低，但合成韵律越碎。
func mergeSentences(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = 100
	}

	var chunks []string
	var current strings.Builder
	remaining := text

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for {
		sentence, rest, found := extractSentence(remaining)
		if !found {
			if r := strings.TrimSpace(remaining); r != "" {
				// 如果追加后超限，先刷出
				if current.Len() > 0 && utf8.RuneCountInString(current.String())+utf8.RuneCountInString(r) > maxChars {
					flush()
				}
				current.WriteString(r)
			}
			break
		}
		remaining = rest
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}

		sentenceLen := utf8.RuneCountInString(sentence)
		currentLen := utf8.RuneCountInString(current.String())

		// 如果当前块追加后超限，先刷出当前块
		if current.Len() > 0 && currentLen+sentenceLen > maxChars {
			flush()
		}
		current.WriteString(sentence)
	}
	flush()
	return chunks
}
