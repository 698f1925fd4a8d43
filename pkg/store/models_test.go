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

package store_test

import (
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/icvsb/icvsb/pkg/store"
)

var _ = Describe("JSON column types", func() {
	It("stores empty values as empty JSON, never NULL", func() {
		v, err := store.LabelMap{}.Value()
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal([]byte("{}")))

		v, err = store.StringList{}.Value()
		Expect(err).ToNot(HaveOccurred())
		Expect(v).To(Equal([]byte("[]")))
	})

	It("scans both []byte and string driver values", func() {
		var m store.LabelMap
		Expect(m.Scan([]byte(`{"cat":0.9}`))).To(Succeed())
		Expect(m).To(HaveKeyWithValue("cat", 0.9))

		var l store.StringList
		Expect(l.Scan(`["cat","dog"]`)).To(Succeed())
		Expect(l).To(Equal(store.StringList{"cat", "dog"}))
	})

	It("scans through database/sql row mapping", func() {
		db, mock, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		defer db.Close()

		mock.ExpectQuery(`SELECT uri, request_id, success, labels`).
			WillReturnRows(sqlmock.NewRows([]string{"uri", "request_id", "success", "labels"}).
				AddRow("https://img.example.org/u1.jpg", int64(7), true, []byte(`{"cat":0.9,"dog":0.8}`)))

		var row store.BatchResponse
		sdb := sqlx.NewDb(db, "sqlmock")
		Expect(sdb.Get(&row, `SELECT uri, request_id, success, labels FROM responses`)).To(Succeed())
		Expect(row.URI).To(Equal("https://img.example.org/u1.jpg"))
		Expect(row.RequestID).To(Equal(int64(7)))
		Expect(row.Labels).To(HaveKeyWithValue("dog", 0.8))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
