/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package validation_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/icvsb/icvsb/pkg/validation"
)

var _ = Describe("Integer", func() {
	It("parses base-10 integers", func() {
		n, err := validation.Integer("42")
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(int64(42)))
	})

	DescribeTable("rejects non-integers",
		func(input string) {
			_, err := validation.Integer(input)
			Expect(err).To(MatchError(validation.ErrNotInteger))
		},
		Entry("empty", ""),
		Entry("word", "twelve"),
		Entry("float", "1.5"),
		Entry("trailing junk", "12x"),
	)
})

var _ = Describe("PositiveFloat", func() {
	It("parses positive floats", func() {
		f, err := validation.PositiveFloat("0.5")
		Expect(err).ToNot(HaveOccurred())
		Expect(f).To(Equal(0.5))
	})

	DescribeTable("rejects non-positive and malformed values",
		func(input string) {
			_, err := validation.PositiveFloat(input)
			Expect(err).To(MatchError(validation.ErrNotPositiveFloat))
		},
		Entry("zero", "0"),
		Entry("negative", "-0.1"),
		Entry("word", "half"),
	)
})

var _ = Describe("CronLine", func() {
	It("accepts the five-field grammar", func() {
		Expect(validation.CronLine("0 0 * * 0")).To(Succeed())
		Expect(validation.CronLine("*/5 * * * *")).To(Succeed())
	})

	DescribeTable("rejects malformed lines",
		func(input string) {
			Expect(validation.CronLine(input)).To(MatchError(validation.ErrNotCronLine))
		},
		Entry("too few fields", "0 0 *"),
		Entry("garbage", "whenever"),
		Entry("out of range", "61 0 * * 0"),
	)
})

var _ = Describe("URI", func() {
	It("accepts absolute URIs with a host", func() {
		Expect(validation.URI("https://example.org/cat.jpg")).To(Succeed())
	})

	DescribeTable("rejects relative and hostless URIs",
		func(input string) {
			Expect(validation.URI(input)).To(MatchError(validation.ErrNotURI))
		},
		Entry("relative path", "cat.jpg"),
		Entry("missing host", "https:///cat.jpg"),
		Entry("empty", ""),
	)
})

var _ = Describe("HTTPDate", func() {
	It("parses RFC 1123 dates to UTC", func() {
		t, err := validation.HTTPDate("Sun, 06 Nov 1994 08:49:37 GMT")
		Expect(err).ToNot(HaveOccurred())
		Expect(t).To(Equal(time.Date(1994, 11, 6, 8, 49, 37, 0, time.UTC)))
	})

	It("rejects non HTTP-date strings", func() {
		_, err := validation.HTTPDate("2020-01-01T00:00:00Z")
		Expect(err).To(MatchError(validation.ErrNotHTTPDate))
	})
})

var _ = Describe("ValidateStruct", func() {
	type payload struct {
		Name  string `json:"name" validate:"required"`
		Count int    `json:"count" validate:"gte=0,lte=10"`
	}

	It("passes a payload satisfying its tags", func() {
		Expect(validation.ValidateStruct(&payload{Name: "ok", Count: 3})).To(Succeed())
	})

	It("reports failures keyed by json tag names", func() {
		err := validation.ValidateStruct(&payload{Count: 99})
		Expect(err).To(HaveOccurred())

		problems := validation.FieldProblems(err)
		Expect(problems).To(HaveKey("name"))
		Expect(problems).To(HaveKey("count"))
		Expect(problems["count"]).To(ContainSubstring("lte=10"))
	})

	It("flattens nil to an empty map", func() {
		Expect(validation.FieldProblems(nil)).To(BeEmpty())
	})
})

var _ = Describe("closed enums", func() {
	It("accepts every seeded service and severity", func() {
		for _, s := range []string{"google", "amazon", "azure"} {
			Expect(validation.ServiceName(s)).To(Succeed())
		}
		for _, s := range []string{"exception", "warning", "info", "none"} {
			Expect(validation.SeverityName(s)).To(Succeed())
		}
	})

	It("rejects anything outside the sets", func() {
		Expect(validation.ServiceName("bing")).To(MatchError(validation.ErrUnknownService))
		Expect(validation.SeverityName("fatal")).To(MatchError(validation.ErrUnknownSeverity))
	})
})
